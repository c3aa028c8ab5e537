// Package history provides the durable, append-only turn log the relay
// uses as conversation memory.
//
// Every command acquires its own Log through an Opener and closes it when
// done; there is no shared connection pool. Two backends are available:
// an embedded SQLite file (default) and PostgreSQL.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one stored message tied to a (user, channel) pair.
type Turn struct {
	ID        int64
	UserID    string
	ChannelID string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Log is one acquired handle on the turn log.
type Log interface {
	// Append inserts an immutable turn. ID and CreatedAt are assigned by the store.
	Append(ctx context.Context, turn Turn) error

	// Recent returns at most limit of the latest turns for the pair, oldest first.
	Recent(ctx context.Context, userID, channelID string, limit int) ([]Turn, error)

	// RecentForUser returns at most limit of the user's latest turns across
	// all channels, most recent first.
	RecentForUser(ctx context.Context, userID string, limit int) ([]Turn, error)

	// Close releases the underlying connection.
	Close() error
}

// Opener acquires a fresh Log for the duration of one command.
type Opener func(ctx context.Context) (Log, error)

// StorageError wraps any connect, read or write failure of the turn log.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewOpener returns an Opener for the given driver and data source.
// For sqlite the DSN is a file path; for postgres it is a connection URL.
func NewOpener(driver, dsn string) (Opener, error) {
	clk := &clock{}
	switch driver {
	case DriverSQLite, "":
		return func(ctx context.Context) (Log, error) {
			return openSQLite(ctx, dsn, clk)
		}, nil
	case DriverPostgres:
		return func(ctx context.Context) (Log, error) {
			return openPostgres(ctx, dsn, clk)
		}, nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}
}

// clock hands out insertion timestamps that never go backwards within
// one process, truncated to the precision both backends can store.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func (c *clock) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	t := now().UTC().Truncate(time.Microsecond)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
