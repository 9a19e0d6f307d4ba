package database

import (
	"context"
	"database/sql"
	"sync"

	"order-payment/models"
)

// Ledger remembers which gateway confirmations this storefront has already
// reconciled, so side effects such as payment events fire once per
// transaction even when markPaid is repeated.
type Ledger interface {
	// Record stores conf for orderID and reports whether it was new.
	Record(ctx context.Context, orderID string, conf models.PaymentConfirmation) (bool, error)
	HasConfirmation(ctx context.Context, orderID string) (bool, error)
}

type MySQLLedger struct {
	db *sql.DB
}

func NewMySQLLedger(db *sql.DB) *MySQLLedger {
	return &MySQLLedger{db: db}
}

func (l *MySQLLedger) Record(ctx context.Context, orderID string, conf models.PaymentConfirmation) (bool, error) {
	result, err := l.db.ExecContext(ctx, `
		INSERT IGNORE INTO payment_confirmations (order_id, provider, transaction_id, status, confirmed_at)
		VALUES (?, ?, ?, ?, ?)
	`, orderID, string(conf.Provider), conf.ExternalTransactionID, conf.Status, conf.UpdateTime.UTC())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (l *MySQLLedger) HasConfirmation(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM payment_confirmations WHERE order_id = ?)", orderID,
	).Scan(&exists)
	return exists, err
}

// MemoryLedger is a process-local Ledger used when no database is configured.
type MemoryLedger struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	byOrder map[string]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: map[string]struct{}{}, byOrder: map[string]int{}}
}

func (l *MemoryLedger) Record(_ context.Context, orderID string, conf models.PaymentConfirmation) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := string(conf.Provider) + "|" + conf.ExternalTransactionID
	if _, ok := l.seen[key]; ok {
		return false, nil
	}
	l.seen[key] = struct{}{}
	l.byOrder[orderID]++
	return true, nil
}

func (l *MemoryLedger) HasConfirmation(_ context.Context, orderID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byOrder[orderID] > 0, nil
}
