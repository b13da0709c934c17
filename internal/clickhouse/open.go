// Package clickhouse stores the chat log in ClickHouse MergeTree tables.
package clickhouse

import (
	"context"
	"errors"
	"strings"
	"time"

	clickhousego "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const defaultDialTimeout = 10 * time.Second

var errMissingAddress = errors.New("clickhouse: address is required")

// ConnConfig describes how to reach the ClickHouse server.
type ConnConfig struct {
	Address     string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// Open dials ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg ConnConfig) (driver.Conn, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errMissingAddress
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	conn, err := clickhousego.Open(&clickhousego.Options{
		Addr: []string{address},
		Auth: clickhousego.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
