package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"secret.drop/internal/models"
)

var _ Store = (*SQLStore)(nil)

type secretRow struct {
	bun.BaseModel `bun:"table:secrets"`

	ID          string     `bun:"id,pk"`
	Kind        string     `bun:"kind,notnull"`
	Content     []byte     `bun:"content"`
	Filename    string     `bun:"filename"`
	ContentType string     `bun:"content_type"`
	Verifier    string     `bun:"verifier,notnull"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	ExpiresAt   *time.Time `bun:"expires_at"`
	MaxReads    *int       `bun:"max_reads"`
	ReadCount   int        `bun:"read_count,notnull"`
	Deleted     bool       `bun:"deleted,notnull"`
}

// SQLStore keeps secrets in a single table. The read-count compare runs in the
// UPDATE's WHERE clause, so the database serializes racing consumers.
type SQLStore struct {
	db *bun.DB
}

// OpenSQL connects to sqlite or postgres and ensures the schema exists.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var db *bun.DB

	switch driver {
	case "sqlite":
		sqldb, err := sql.Open(sqliteshim.DriverName(), dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case "postgres":
		sqldb, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqldb.SetMaxOpenConns(10)
		sqldb.SetMaxIdleConns(10)
		sqldb.SetConnMaxLifetime(30 * time.Minute)
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *bun.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*secretRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create secrets table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*secretRow)(nil)).
		Index("secrets_created_at_idx").
		Column("created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create secrets index: %w", err)
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, secret *models.Secret) error {
	res, err := s.db.NewInsert().
		Model(toRow(secret)).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert secret rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	var row secretRow
	err := s.db.NewSelect().
		Model(&row).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return fromRow(row), nil
}

func (s *SQLStore) CompareAndUpdate(ctx context.Context, id string, expectedReadCount int, m models.Mutation) error {
	res, err := s.db.NewUpdate().
		Model((*secretRow)(nil)).
		Set("read_count = ?", m.ReadCount).
		Set("deleted = ?", m.Deleted).
		Where("id = ?", id).
		Where("read_count = ?", expectedReadCount).
		Where("deleted = ?", false).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("compare and update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("compare and update rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched; tell the caller whether to retry.
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Deleted {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *SQLStore) Scan(ctx context.Context, page Page) ([]*models.Secret, error) {
	var rows []secretRow
	q := s.db.NewSelect().
		Model(&rows).
		OrderExpr("created_at DESC, id ASC")
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}
	if page.Offset > 0 {
		if page.Limit <= 0 && s.db.Dialect().Name() == dialect.SQLite {
			// sqlite only accepts OFFSET after a LIMIT
			q = q.Limit(-1)
		}
		q = q.Offset(page.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan secrets: %w", err)
	}

	out := make([]*models.Secret, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.NewDelete().
		Model((*secretRow)(nil)).
		Where("id = ?", id).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toRow(secret *models.Secret) *secretRow {
	return &secretRow{
		ID:          secret.ID,
		Kind:        string(secret.Payload.Kind),
		Content:     secret.Payload.Data,
		Filename:    secret.Payload.Filename,
		ContentType: secret.Payload.ContentType,
		Verifier:    secret.Verifier,
		CreatedAt:   secret.CreatedAt.UTC(),
		ExpiresAt:   utcPtr(secret.ExpiresAt),
		MaxReads:    secret.MaxReads,
		ReadCount:   secret.ReadCount,
		Deleted:     secret.Deleted,
	}
}

func fromRow(row secretRow) *models.Secret {
	return &models.Secret{
		ID: row.ID,
		Payload: models.Payload{
			Kind:        models.PayloadKind(row.Kind),
			Data:        row.Content,
			Filename:    row.Filename,
			ContentType: row.ContentType,
		},
		Verifier:  row.Verifier,
		CreatedAt: row.CreatedAt.UTC(),
		ExpiresAt: utcPtr(row.ExpiresAt),
		MaxReads:  row.MaxReads,
		ReadCount: row.ReadCount,
		Deleted:   row.Deleted,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
