package database

import (
	"context"
	"database/sql"
	"log"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"

	"order-payment/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_confirmations (
	id             BIGINT AUTO_INCREMENT PRIMARY KEY,
	order_id       VARCHAR(64)  NOT NULL,
	provider       VARCHAR(16)  NOT NULL,
	transaction_id VARCHAR(128) NOT NULL,
	status         VARCHAR(32)  NOT NULL,
	confirmed_at   DATETIME     NOT NULL,
	created_at     DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE KEY uniq_provider_txn (provider, transaction_id),
	KEY idx_order (order_id)
)`

// DSN builds the driver data source name from cfg.
func DSN(cfg *config.Config) string {
	c := mysql.NewConfig()
	c.User = cfg.DBUser
	c.Passwd = cfg.DBPassword
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	c.DBName = cfg.DBName
	c.ParseTime = true
	c.Loc = time.UTC
	return c.FormatDSN()
}

// InitDB opens the ledger database and makes sure its table exists.
func InitDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		CloseDB(db)
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		CloseDB(db)
		return nil, err
	}
	return db, nil
}

func CloseDB(db *sql.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}
}
