package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLedger records discount usage rows in Postgres. The ledger is
// append-only; per-user caps are enforced by counting rows at quote time.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresLedger{db: db}, nil
}

func (p *PostgresLedger) Close() error { return p.db.Close() }

func (p *PostgresLedger) RecordUses(ctx context.Context, userID, orderID int64, uses []DiscountUse, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, u := range uses {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO discount_uses(discount_id, user_id, order_id, amount_saved, used_at) VALUES($1,$2,$3,$4,$5)`,
			u.DiscountID, userID, orderID, u.Amount, at); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresLedger) UserUses(ctx context.Context, userID int64) (map[int64]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT discount_id, COUNT(*) FROM discount_uses WHERE user_id=$1 GROUP BY discount_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// DiscountStats aggregates one discount's ledger for admin reporting.
func (p *PostgresLedger) DiscountStats(ctx context.Context, discountID int64) (DiscountStats, error) {
	var stats DiscountStats
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT user_id), COALESCE(SUM(amount_saved), 0)
		 FROM discount_uses WHERE discount_id=$1`, discountID).
		Scan(&stats.Uses, &stats.UniqueUsers, &stats.TotalSaved)
	return stats, err
}
