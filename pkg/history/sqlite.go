package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteLog is a Log backed by a single SQLite connection.
type sqliteLog struct {
	db  *sql.DB
	clk *clock
}

// sqliteDSN builds the modernc DSN for a database file.
// WAL keeps readers from blocking the concurrent writer of another command.
func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
}

func openSQLite(ctx context.Context, path string, clk *clock) (*sqliteLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "open", Err: fmt.Errorf("create db directory %s: %w", dir, err)}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("ping %s: %w", path, err)}
	}
	return &sqliteLog{db: db, clk: clk}, nil
}

func (l *sqliteLog) Append(ctx context.Context, turn Turn) error {
	created := l.clk.stamp()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO turns (user_id, channel_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		turn.UserID, turn.ChannelID, string(turn.Role), turn.Content, created.UnixMicro(),
	)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	slog.Debug("turn appended", "user", turn.UserID, "channel", turn.ChannelID, "role", turn.Role)
	return nil
}

func (l *sqliteLog) Recent(ctx context.Context, userID, channelID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, channel_id, role, content, created_at FROM (
			SELECT id, user_id, channel_id, role, content, created_at
			FROM turns
			WHERE user_id = ? AND channel_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		userID, channelID, limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "recent", Err: err}
	}
	return scanSQLiteTurns(rows, "recent")
}

func (l *sqliteLog) RecentForUser(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, channel_id, role, content, created_at
		 FROM turns
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "recent for user", Err: err}
	}
	return scanSQLiteTurns(rows, "recent for user")
}

func (l *sqliteLog) Close() error {
	return l.db.Close()
}

func scanSQLiteTurns(rows *sql.Rows, op string) ([]Turn, error) {
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		var createdMicros int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.ChannelID, &role, &t.Content, &createdMicros); err != nil {
			return nil, &StorageError{Op: op, Err: fmt.Errorf("scan turn: %w", err)}
		}
		t.Role = Role(role)
		t.CreatedAt = time.UnixMicro(createdMicros).UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return turns, nil
}
