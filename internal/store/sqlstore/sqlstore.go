// Package sqlstore is the SQL backed store.Store, on SQLite or Postgres via bun.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type authKeyRow struct {
	bun.BaseModel `bun:"table:auth_keys"`

	DCID      int64     `bun:"dc_id,pk"`
	Key       []byte    `bun:"auth_key,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

type stateRow struct {
	bun.BaseModel `bun:"table:update_state"`

	ID        int64     `bun:"id,pk"`
	Seq       int64     `bun:"seq,notnull"`
	DateMS    int64     `bun:"date_ms,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

type deviceRow struct {
	bun.BaseModel `bun:"table:device"`

	ID       int64  `bun:"id,pk"`
	DeviceID string `bun:"device_id,notnull"`
}

// Store implements store.Store on a bun database.
type Store struct {
	db *bun.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to driver ("sqlite" or "postgres") at dsn and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	driverName := driver
	// pgx registers itself as "pgx".
	if driver == DriverPostgres {
		driverName = "pgx"
	}
	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	// Each connection to ":memory:" is its own database.
	if driver == DriverSQLite && (dsn == ":memory:" || dsn == "file::memory:") {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	var db *bun.DB
	switch driver {
	case DriverSQLite:
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case DriverPostgres:
		db = bun.NewDB(sqlDB, pgdialect.New())
	default:
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	s := &Store{db: db}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger := logging.Component("store")
	logger.Info().Str("driver", driver).Msg("sqlstore: opened")
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	for _, model := range []any{(*authKeyRow)(nil), (*stateRow)(nil), (*deviceRow)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) AuthKey(ctx context.Context, dc uint32) (secure.AuthKey, error) {
	row := new(authKeyRow)
	err := s.db.NewSelect().Model(row).Where("dc_id = ?", int64(dc)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return secure.AuthKey{}, store.ErrNotFound
	}
	if err != nil {
		return secure.AuthKey{}, err
	}
	return secure.NewAuthKey(row.Key)
}

func (s *Store) SaveAuthKey(ctx context.Context, dc uint32, key secure.AuthKey) error {
	row := &authKeyRow{DCID: int64(dc), Key: key.Key[:], CreatedAt: time.Now().UTC()}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (dc_id) DO UPDATE").
		Set("auth_key = EXCLUDED.auth_key").
		Set("created_at = EXCLUDED.created_at").
		Exec(ctx)
	return err
}

func (s *Store) DeleteAuthKey(ctx context.Context, dc uint32) error {
	_, err := s.db.NewDelete().Model((*authKeyRow)(nil)).Where("dc_id = ?", int64(dc)).Exec(ctx)
	return err
}

func (s *Store) State(ctx context.Context) (store.UpdateState, error) {
	row := new(stateRow)
	err := s.db.NewSelect().Model(row).Where("id = 1").Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return store.UpdateState{}, store.ErrNotFound
	}
	if err != nil {
		return store.UpdateState{}, err
	}
	return store.UpdateState{Seq: uint64(row.Seq), DateMS: uint64(row.DateMS)}, nil
}

func (s *Store) SaveState(ctx context.Context, st store.UpdateState) error {
	row := &stateRow{ID: 1, Seq: int64(st.Seq), DateMS: int64(st.DateMS), UpdatedAt: time.Now().UTC()}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("seq = EXCLUDED.seq").
		Set("date_ms = EXCLUDED.date_ms").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) DeviceID(ctx context.Context) (string, error) {
	row := new(deviceRow)
	err := s.db.NewSelect().Model(row).Where("id = 1").Scan(ctx)
	if err == nil {
		return row.DeviceID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	row = &deviceRow{ID: 1, DeviceID: uuid.NewString()}
	if _, err := s.db.NewInsert().Model(row).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		return "", err
	}
	// Another writer may have won the insert.
	if err := s.db.NewSelect().Model(row).Where("id = 1").Scan(ctx); err != nil {
		return "", err
	}
	return row.DeviceID, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
