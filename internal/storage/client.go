package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/models"
)

// Client wraps the shared gorm connection. Every call runs under the
// configured store timeout and returns classified errors.
type Client struct {
	conn    *gorm.DB
	timeout time.Duration
}

type Options struct {
	Driver  string
	DSN     string
	Timeout time.Duration
}

// Open connects to postgres or sqlite. sqlite is pinned to a single
// connection so an in-memory database is shared by every caller and writes
// serialize.
func Open(opts Options) (*Client, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "postgres":
		if opts.DSN == "" {
			return nil, fmt.Errorf("database DSN is required")
		}
		dialector = postgres.New(postgres.Config{DSN: opts.DSN, PreferSimpleProtocol: true})
	case "sqlite":
		dsn := opts.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", opts.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.New(log.New(io.Discard, "", log.LstdFlags), gormlogger.Config{LogLevel: gormlogger.Silent}),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	if opts.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}
	return New(conn, opts.Timeout), nil
}

func New(conn *gorm.DB, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}
}

// AutoMigrate creates the schema from the model definitions. Production
// postgres uses the goose migrations instead.
func (c *Client) AutoMigrate() error {
	return c.conn.AutoMigrate(
		&models.Job{},
		&models.JobStatusHistory{},
		&models.Driver{},
		&models.Rating{},
		&models.Wallet{},
		&models.WalletTransaction{},
		&models.Payout{},
	)
}

func (c *Client) DB() *gorm.DB {
	return c.conn
}

func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx executes fn inside a transaction, rolling back on error or panic.
// fn must only use tx; the sqlite pool has a single connection.
func (c *Client) WithTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx := c.conn.WithContext(ctx).Begin()
	if tx.Error != nil {
		return Classify(tx.Error, op)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return Classify(err, op)
	}
	return Classify(tx.Commit().Error, op)
}

// Read runs fn outside a transaction with the store timeout applied.
func (c *Client) Read(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return Classify(fn(c.conn.WithContext(ctx)), op)
}

// Classify maps driver errors onto the domain taxonomy once, at the
// repository boundary. Errors that already carry a code pass through.
func Classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case apperr.As(err) != nil:
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.Wrap(apperr.CodeNotFound, err, op)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Wrap(apperr.CodeConflict, err, op)
	default:
		return apperr.Wrap(apperr.CodeStoreUnavailable, err, op)
	}
}
