package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BairdWan/BilibiliMonitoring/internal/domain"
)

// Exists reports whether the item was already delivered for the account.
func (d *Database) Exists(ctx context.Context, accountID, itemID string) (bool, error) {
	query := `select count(*) from delivery_records
	where account_id = ? and item_id = ?`

	var count int64
	if err := d.db.QueryRowContext(ctx, query, accountID, itemID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to execute query: %w", err)
	}

	return count > 0, nil
}

// Record marks an item as delivered. Recording the same (account, item)
// pair twice is a no-op, which keeps the at-most-once invariant intact
// when a dispatch is retried across cycles.
func (d *Database) Record(ctx context.Context, accountID, itemID string, deliveredAt time.Time) error {
	accountID = strings.TrimSpace(accountID)
	itemID = strings.TrimSpace(itemID)
	if accountID == "" || itemID == "" {
		return errors.New("account ID and item ID are required")
	}

	query := `insert or ignore into delivery_records (account_id, item_id, delivered_at_ms)
	values (?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query, accountID, itemID, deliveredAt.UnixMilli())

	return err
}

// Prune deletes records delivered strictly before now-olderThan.
// A record exactly at the boundary is retained.
func (d *Database) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	return d.pruneBefore(ctx, time.Now().Add(-olderThan))
}

func (d *Database) pruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := "delete from delivery_records where delivered_at_ms < ?"

	res, err := d.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to execute query: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}

	return deleted, nil
}

// CountForAccount returns how many deliveries are recorded for an
// account. Zero means the account has no baseline yet.
func (d *Database) CountForAccount(ctx context.Context, accountID string) (int64, error) {
	query := "select count(*) from delivery_records where account_id = ?"

	var count int64
	if err := d.db.QueryRowContext(ctx, query, accountID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to execute query: %w", err)
	}

	return count, nil
}

// Stats summarizes the delivery ledger.
func (d *Database) Stats(ctx context.Context) (domain.Stats, error) {
	var s domain.Stats

	query := `select
		count(*),
		coalesce(sum(case when delivered_at_ms >= ? then 1 else 0 end), 0),
		count(distinct account_id),
		coalesce(max(delivered_at_ms), 0)
	from delivery_records`

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var latestMS int64
	err := d.db.QueryRowContext(ctx, query, midnight.UnixMilli()).
		Scan(&s.TotalDelivered, &s.DeliveredToday, &s.AccountCount, &latestMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, nil
		}
		return s, fmt.Errorf("failed to execute query: %w", err)
	}

	if latestMS > 0 {
		s.LatestDelivery = time.UnixMilli(latestMS)
	}

	return s, nil
}
