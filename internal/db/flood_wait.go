package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rcong315/channelcrawler/internal/accounts"
)

// FloodWaitRepository persists account rate limits in account_flood_wait so
// they survive restarts.
type FloodWaitRepository struct {
	db *sqlx.DB
}

func NewFloodWaitRepository(db *sqlx.DB) *FloodWaitRepository {
	return &FloodWaitRepository{db: db}
}

var _ accounts.FloodWaitStore = (*FloodWaitRepository)(nil)

func (r *FloodWaitRepository) Upsert(ctx context.Context, account string, unlockAt time.Time, reason string) error {
	query, err := getQueryString("upsertFloodWait")
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, account, unlockAt, nullString(reason)); err != nil {
		return fmt.Errorf("failed to upsert flood wait for %s: %w", account, err)
	}
	return nil
}

func (r *FloodWaitRepository) Delete(ctx context.Context, account string) error {
	query, err := getQueryString("deleteFloodWait")
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("failed to delete flood wait for %s: %w", account, err)
	}
	return nil
}

// Active returns the flood waits that unlock after now. Expired rows are
// treated as absent.
func (r *FloodWaitRepository) Active(ctx context.Context, now time.Time) ([]accounts.FloodWait, error) {
	query, err := getQueryString("activeFloodWaits")
	if err != nil {
		return nil, err
	}
	var rows []struct {
		AccountName string         `db:"account_name"`
		UnlockAt    time.Time      `db:"unlock_at"`
		Reason      sql.NullString `db:"reason"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, now); err != nil {
		return nil, fmt.Errorf("failed to load flood waits: %w", err)
	}

	waits := make([]accounts.FloodWait, len(rows))
	for i, row := range rows {
		waits[i] = accounts.FloodWait{
			Account:  row.AccountName,
			UnlockAt: row.UnlockAt,
			Reason:   row.Reason.String,
		}
	}
	return waits, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
