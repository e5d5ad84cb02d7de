package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"hubtrader/pkg/types"
)

const transSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	id       TEXT PRIMARY KEY,
	time     INTEGER NOT NULL,
	action   TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	wallet   TEXT NOT NULL,
	trading  TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price    TEXT NOT NULL,
	cost     TEXT NOT NULL,
	trade_id TEXT NOT NULL
);
`

// TransLog is the append-only execution log, capped at maxRows.
// ULID ids sort in insertion order, so the cap trims oldest-first.
type TransLog struct {
	db      *sql.DB
	maxRows int
}

// OpenTransLog opens (and migrates) the sqlite transaction log.
func OpenTransLog(path string, maxRows int) (*TransLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open translog: %w", err)
	}
	if _, err := db.Exec(transSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate translog: %w", err)
	}
	return &TransLog{db: db, maxRows: maxRows}, nil
}

// Append writes one transaction and enforces the row cap. A zero ID is
// assigned a fresh ULID.
func (l *TransLog) Append(ctx context.Context, tx types.Transaction) (types.Transaction, error) {
	if tx.ID == "" {
		tx.ID = ulid.Make().String()
	}
	if tx.Time.IsZero() {
		tx.Time = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, time, action, symbol, wallet, trading, quantity, price, cost, trade_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Time.UnixMilli(), tx.Action, tx.Symbol, string(tx.Wallet), string(tx.Trading),
		tx.Quantity.String(), tx.Price.String(), tx.Cost.String(), tx.TradeID,
	)
	if err != nil {
		return tx, fmt.Errorf("append transaction: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		DELETE FROM transactions WHERE id NOT IN
		(SELECT id FROM transactions ORDER BY id DESC LIMIT ?)`, l.maxRows)
	if err != nil {
		return tx, fmt.Errorf("trim transactions: %w", err)
	}
	return tx, nil
}

// Recent returns up to n transactions, newest first.
func (l *TransLog) Recent(ctx context.Context, n int) ([]types.Transaction, error) {
	if n <= 0 || n > l.maxRows {
		n = l.maxRows
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, time, action, symbol, wallet, trading, quantity, price, cost, trade_id
		FROM transactions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []types.Transaction
	for rows.Next() {
		var tx types.Transaction
		var ms int64
		var wallet, trading, qty, price, cost string
		if err := rows.Scan(&tx.ID, &ms, &tx.Action, &tx.Symbol, &wallet, &trading, &qty, &price, &cost, &tx.TradeID); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Time = time.UnixMilli(ms).UTC()
		tx.Wallet = types.Wallet(wallet)
		tx.Trading = types.TradingType(trading)
		if tx.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		if tx.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if tx.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("parse cost: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *TransLog) Close() error {
	return l.db.Close()
}
