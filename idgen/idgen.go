// Package idgen generates the identifiers used across boardsync: client
// origins, function definitions, relay peers and request ids.
//
// A Generator is a plain func, so tests swap in a deterministic sequence.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Short returns a Generator of base-36 ids of the given length. Used for
// relay peer ids that end up in log lines.
func Short(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every id of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns prefix1, prefix2, ... for tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string { return prefix + strconv.FormatInt(n.Add(1), 10) }
}

var (
	// Default is UUIDv7.
	Default Generator = UUIDv7()

	// Client ids tag every message a session publishes (the "origin").
	Client Generator = Prefixed("cli_", UUIDv7())

	// Function ids name function definitions created locally.
	Function Generator = Prefixed("fn_", UUIDv7())

	// Peer ids name relay connections.
	Peer Generator = Prefixed("peer_", Short(10))
)

// New produces an id with Default.
func New() string { return Default() }

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid uuid: %w", err)
	}
	return u.String(), nil
}
