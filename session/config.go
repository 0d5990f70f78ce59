package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/docstore"
	"github.com/hazyhaar/boardsync/transport"
)

// Config holds the plain tuning parameters of a session. Zero values take
// the defaults below.
type Config struct {
	BoardID  string
	ClientID string
	PageID   string // initial active page

	// PersistDebounce is the quiet period before a page is written. 500ms.
	PersistDebounce time.Duration
	// PollInterval is the fallback poll period. 1s.
	PollInterval time.Duration
	// ConfirmTimeout is how long push delivery may stay unconfirmed. 1s.
	ConfirmTimeout time.Duration
	// Cooldown keeps the absorb guard up after a remote merge. 100ms.
	Cooldown time.Duration
	// ActiveWindow: an edit touching a record modified less than this ago
	// counts as continued drawing and is coalesced. 150ms.
	ActiveWindow time.Duration
	// StrokeIdle is the pause that ends a coalesced stroke. 50ms.
	StrokeIdle time.Duration
	// FullSnapshotThreshold: a delta with more changes is sent as a full
	// snapshot instead. 500; negative disables.
	FullSnapshotThreshold int
}

func (c *Config) defaults() {
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 100 * time.Millisecond
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = 150 * time.Millisecond
	}
	if c.StrokeIdle <= 0 {
		c.StrokeIdle = 50 * time.Millisecond
	}
	if c.FullSnapshotThreshold == 0 {
		c.FullSnapshotThreshold = 500
	}
}

func (c Config) validate() error {
	switch {
	case c.BoardID == "":
		return errors.New("session: missing board id")
	case c.ClientID == "":
		return errors.New("session: missing client id")
	case c.PageID == "":
		return errors.New("session: missing page id")
	}
	return nil
}

// Deps are the handles a session drives. Store, Transport and Backing are
// required. Functions is the transport of the functions channel; without
// it function definitions are still persisted and polled, not pushed.
type Deps struct {
	Store     *docstore.Store
	Transport transport.Transport
	Functions transport.Transport
	Backing   boardstore.Store
	Logger    *slog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("session: missing store")
	case d.Transport == nil:
		return errors.New("session: missing transport")
	case d.Backing == nil:
		return errors.New("session: missing backing store")
	}
	return nil
}
