// Package sqlprovider serves asset payloads from a SQL table through database/sql.
//
// The table holds one row per address:
//
//	address  TEXT PRIMARY KEY
//	type_tag TEXT
//	payload  BLOB / BYTEA
//
// Payloads are stored packed by compression.Pack and are unpacked on every fetch. SQLite
// (modernc.org/sqlite, driver "sqlite") and PostgreSQL (lib/pq, driver "postgres") are
// supported.
package sqlprovider

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmgilman/go/errors"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/pkg/cacheerr"
	"github.com/1mb-dev/assetcache-go/pkg/compression"
	"github.com/1mb-dev/assetcache-go/pkg/provider"
)

const (
	loggerComponentName = "SQLProvider"

	// DriverSQLite is the modernc.org/sqlite driver name.
	DriverSQLite = "sqlite"

	// DriverPostgres is the lib/pq driver name.
	DriverPostgres = "postgres"

	// DefaultTable is used when Config.Table is empty.
	DefaultTable = "assets"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config describes the database holding the assets.
type Config struct {
	Driver string
	DSN    string
	Table  string

	// Compressor unpacks stored blobs. Nil means payloads were packed without compression.
	Compressor compression.Compressor

	// Decoder converts the unpacked bytes. Nil returns the bytes as is.
	Decoder provider.Decoder

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Provider fetches payloads with a single-row SELECT per address. It implements
// provider.Provider.
type Provider struct {
	db         *sql.DB
	driver     string
	table      string
	compressor compression.Compressor
	decoder    provider.Decoder
	logger     *log.Logger

	selectQuery string
	upsertQuery string
}

var _ provider.Provider = (*Provider)(nil)

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, config Config) (*Provider, error) {
	switch config.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping %s database: %w (close error: %w)", config.Driver, err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping %s database: %w", config.Driver, err)
	}

	p, err := New(db, config)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// New wraps an existing connection pool. The caller keeps ownership of db only if New fails.
func New(db *sql.DB, config Config) (*Provider, error) {
	table := config.Table
	if table == "" {
		table = DefaultTable
	}
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	driver := config.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	compressor := config.Compressor
	if compressor == nil {
		compressor = compression.NewNoOpCompressor()
	}

	p := &Provider{
		db:         db,
		driver:     driver,
		table:      table,
		compressor: compressor,
		decoder:    config.Decoder,
		logger: log.GetLogger().With(
			log.String(log.LoggerKeyComponentName, loggerComponentName),
			log.String("driver", driver)),
	}
	p.selectQuery = p.rebind(fmt.Sprintf("SELECT payload FROM %s WHERE address = ?", table))
	p.upsertQuery = p.rebind(fmt.Sprintf(
		"INSERT INTO %s (address, type_tag, payload) VALUES (?, ?, ?) "+
			"ON CONFLICT (address) DO UPDATE SET type_tag = excluded.type_tag, payload = excluded.payload", table))
	return p, nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (p *Provider) rebind(query string) string {
	if p.driver != DriverPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// EnsureSchema creates the asset table when it does not exist.
func (p *Provider) EnsureSchema(ctx context.Context) error {
	blobType := "BLOB"
	if p.driver == DriverPostgres {
		blobType = "BYTEA"
	}
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (address TEXT PRIMARY KEY, type_tag TEXT NOT NULL DEFAULT '', payload %s NOT NULL)",
		p.table, blobType)
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to create asset table")
	}
	return nil
}

// Fetch implements provider.Provider.
func (p *Provider) Fetch(ctx context.Context, address, typeTag string) (any, error) {
	var blob []byte
	err := p.db.QueryRowContext(ctx, p.selectQuery, address).Scan(&blob)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return nil, cacheerr.ErrNotFound
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.logger.Debug("Asset query failed", log.String("address", address), log.Error(err))
		return nil, errors.Wrap(err, errors.CodeDatabase, "asset query failed")
	}

	data, err := compression.Unpack(blob, p.compressor)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "stored payload is corrupt")
	}
	if p.decoder == nil {
		return data, nil
	}

	value, err := p.decoder(address, typeTag, data)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to decode payload")
	}
	return value, nil
}

// Save packs data and upserts it under address.
func (p *Provider) Save(ctx context.Context, address, typeTag string, data []byte, minCompressSize int) error {
	blob, err := compression.Pack(data, p.compressor, minCompressSize)
	if err != nil {
		return fmt.Errorf("failed to pack payload for %q: %w", address, err)
	}
	if _, err := p.db.ExecContext(ctx, p.upsertQuery, address, typeTag, blob); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to store asset")
	}
	return nil
}

// DB returns the underlying connection pool.
func (p *Provider) DB() *sql.DB {
	return p.db
}

// Close closes the connection pool.
func (p *Provider) Close() error {
	return p.db.Close()
}
