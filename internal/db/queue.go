package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rcong315/channelcrawler/internal/provider"
)

// Queue item statuses. Items start as StatusNew; downstream consumers move
// them to one of the others exactly once.
const (
	StatusNew     = "new"
	StatusDone    = "done"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// QueueItem is one row of the discovery queue.
type QueueItem struct {
	ID           int64          `db:"id" json:"id"`
	Username     string         `db:"username" json:"username"`
	Status       string         `db:"status" json:"status"`
	Parsed       bool           `db:"parsed" json:"parsed"`
	ErrorMessage sql.NullString `db:"error_message" json:"-"`
	ProcessedAt  sql.NullTime   `db:"processed_at" json:"-"`
	ParsedAt     sql.NullTime   `db:"parsed_at" json:"-"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// Stats summarizes the queue.
type Stats struct {
	ByStatus map[string]int `json:"by_status"`
	Parsed   int            `json:"parsed"`
	Unparsed int            `json:"unparsed"`
	Total    int            `json:"total"`
}

// QueueRepository is the durable discovery queue in target_channels.
type QueueRepository struct {
	db *sqlx.DB
}

func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// GetUnparsed returns up to limit usernames not yet used as a source, in
// insertion order.
func (r *QueueRepository) GetUnparsed(ctx context.Context, limit int) ([]string, error) {
	query, err := getQueryString("getUnparsed")
	if err != nil {
		return nil, err
	}
	usernames := []string{}
	if err := r.db.SelectContext(ctx, &usernames, query, limit); err != nil {
		return nil, fmt.Errorf("failed to get unparsed channels: %w", err)
	}
	return usernames, nil
}

// AddIdentifiers inserts the batch and returns how many rows were new.
// Duplicates, in the batch or in the table, are ignored.
func (r *QueueRepository) AddIdentifiers(ctx context.Context, batch []string) (int, error) {
	inserted, err := r.InsertIdentifiers(ctx, batch)
	return len(inserted), err
}

// InsertIdentifiers is AddIdentifiers returning the normalized usernames that
// were actually inserted.
func (r *QueueRepository) InsertIdentifiers(ctx context.Context, batch []string) ([]string, error) {
	usernames := normalizeBatch(batch)
	if len(usernames) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := make([]string, 0, len(usernames))
	for _, part := range chunk(usernames, BatchSize) {
		var rows []string
		if err := tx.SelectContext(ctx, &rows, insertQuery(len(part)), toArgs(part)...); err != nil {
			return nil, fmt.Errorf("failed to insert %d channels: %w", len(part), err)
		}
		inserted = append(inserted, rows...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit channel insert: %w", err)
	}

	logger.Debug("Inserted channels",
		zap.Int("submitted", len(usernames)),
		zap.Int("inserted", len(inserted)))
	return inserted, nil
}

// MarkParsed flags one username as used as a source. Missing usernames are
// ignored.
func (r *QueueRepository) MarkParsed(ctx context.Context, identifier string) error {
	query, err := getQueryString("markParsed")
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, provider.NormalizeUsername(identifier)); err != nil {
		return fmt.Errorf("failed to mark %s parsed: %w", identifier, err)
	}
	return nil
}

// MarkParsedWithError flags a source as parsed after it ran out of retries.
func (r *QueueRepository) MarkParsedWithError(ctx context.Context, identifier, message string) error {
	query, err := getQueryString("markParsedWithError")
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, provider.NormalizeUsername(identifier), message); err != nil {
		return fmt.Errorf("failed to mark %s parsed with error: %w", identifier, err)
	}
	return nil
}

// GetAllIdentifiers loads every username in the queue.
func (r *QueueRepository) GetAllIdentifiers(ctx context.Context) (map[string]struct{}, error) {
	query, err := getQueryString("getAllIdentifiers")
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		known[username] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	return known, nil
}

// Get returns one queue item, or nil when the username is not queued.
func (r *QueueRepository) Get(ctx context.Context, identifier string) (*QueueItem, error) {
	query, err := getQueryString("getItem")
	if err != nil {
		return nil, err
	}
	var item QueueItem
	if err := r.db.GetContext(ctx, &item, query, provider.NormalizeUsername(identifier)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get channel %s: %w", identifier, err)
	}
	return &item, nil
}

// GetStats counts items by status and parsed flag.
func (r *QueueRepository) GetStats(ctx context.Context) (Stats, error) {
	query, err := getQueryString("getStats")
	if err != nil {
		return Stats{}, err
	}
	var rows []struct {
		Status string `db:"status"`
		Parsed bool   `db:"parsed"`
		Count  int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return Stats{}, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats := Stats{ByStatus: map[string]int{}}
	for _, row := range rows {
		stats.ByStatus[row.Status] += row.Count
		if row.Parsed {
			stats.Parsed += row.Count
		} else {
			stats.Unparsed += row.Count
		}
		stats.Total += row.Count
	}
	return stats, nil
}

// UpdateStatus moves items still in StatusNew to status. It returns how many
// rows changed.
func (r *QueueRepository) UpdateStatus(ctx context.Context, identifiers []string, status, message string) (int, error) {
	switch status {
	case StatusDone, StatusError, StatusSkipped:
	default:
		return 0, fmt.Errorf("invalid status %q", status)
	}
	usernames := normalizeBatch(identifiers)
	if len(usernames) == 0 {
		return 0, nil
	}

	base, err := getQueryString("updateStatus")
	if err != nil {
		return 0, err
	}
	query, args, err := sqlx.In(base, status, message, usernames)
	if err != nil {
		return 0, fmt.Errorf("failed to build status update: %w", err)
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

func insertQuery(n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO target_channels (username) VALUES ")
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d)", i)
	}
	b.WriteString(" ON CONFLICT (username) DO NOTHING RETURNING username")
	return b.String()
}

func normalizeBatch(batch []string) []string {
	seen := make(map[string]struct{}, len(batch))
	out := make([]string, 0, len(batch))
	for _, raw := range batch {
		username := provider.NormalizeUsername(raw)
		if username == "" {
			continue
		}
		if _, dup := seen[username]; dup {
			continue
		}
		seen[username] = struct{}{}
		out = append(out, username)
	}
	return out
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
