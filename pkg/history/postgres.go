package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// postgresLog is a Log backed by one dedicated PostgreSQL connection.
type postgresLog struct {
	conn *pgx.Conn
	clk  *clock
}

func openPostgres(ctx context.Context, url string, clk *clock) (*postgresLog, error) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("connect postgres: %w", err)}
	}
	return &postgresLog{conn: conn, clk: clk}, nil
}

func (l *postgresLog) Append(ctx context.Context, turn Turn) error {
	_, err := l.conn.Exec(ctx,
		`INSERT INTO turns (user_id, channel_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		turn.UserID, turn.ChannelID, string(turn.Role), turn.Content, l.clk.stamp(),
	)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	return nil
}

func (l *postgresLog) Recent(ctx context.Context, userID, channelID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.conn.Query(ctx,
		`SELECT id, user_id, channel_id, role, content, created_at FROM (
			SELECT id, user_id, channel_id, role, content, created_at
			FROM turns
			WHERE user_id = $1 AND channel_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) latest ORDER BY created_at ASC, id ASC`,
		userID, channelID, limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "recent", Err: err}
	}
	return scanPostgresTurns(rows, "recent")
}

func (l *postgresLog) RecentForUser(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.conn.Query(ctx,
		`SELECT id, user_id, channel_id, role, content, created_at
		 FROM turns
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "recent for user", Err: err}
	}
	return scanPostgresTurns(rows, "recent for user")
}

func (l *postgresLog) Close() error {
	return l.conn.Close(context.Background())
}

func scanPostgresTurns(rows pgx.Rows, op string) ([]Turn, error) {
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.ID, &t.UserID, &t.ChannelID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, &StorageError{Op: op, Err: fmt.Errorf("scan turn: %w", err)}
		}
		t.Role = Role(role)
		t.CreatedAt = t.CreatedAt.UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return turns, nil
}
