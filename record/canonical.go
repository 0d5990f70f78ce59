package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// canonicalMode encodes with RFC 8949 core deterministic rules: sorted map
// keys and the shortest float form, so equal values give equal bytes no
// matter how the source JSON spelled them.
var canonicalMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("record: cbor enc mode: " + err.Error())
	}
	return em
}()

// Canonical returns the deterministic encoding of r. The record is first
// normalised through JSON so that numbers are float64 regardless of how the
// caller built Props.
func Canonical(r Record) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("record: marshal %s: %w", r.ID, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("record: normalise %s: %w", r.ID, err)
	}
	b, err := canonicalMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("record: canonical %s: %w", r.ID, err)
	}
	return b, nil
}

// Hash returns the hex SHA-256 of the canonical encoding of r.
func Hash(r Record) (string, error) {
	b, err := Canonical(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Equal compares two records by canonical encoding. Records that fail to
// encode are never equal, so the caller writes them instead of skipping.
func Equal(a, b Record) bool {
	ab, err := Canonical(a)
	if err != nil {
		return false
	}
	bb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
