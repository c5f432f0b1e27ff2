// Package postgres implements pkg/repository on top of database/sql
// with the jackc/pgx/v5 stdlib driver. Row locks are taken with
// SELECT ... FOR UPDATE inside a caller-scoped transaction carried on
// the context.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/imagehive/orchestrator/pkg/repository"
)

// Open establishes a *sql.DB against dsn using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	return db, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting every
// repository method run either standalone or inside an ambient
// transaction without duplicating its SQL.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txKey struct{}

// withTxContext returns a context carrying tx, so nested repository
// calls within the same WithTx block see the transaction instead of db.
func withTxContext(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// base holds the connection and transaction plumbing every
// entity-specific store embeds, so JobStore, ChunkStore, ImageStore,
// ActivityStore, and ProjectStore all share one *sql.DB and one
// txKey convention without duplicating it per type.
type base struct {
	db *sql.DB
}

func (b *base) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return b.db
}

// WithTx runs fn with a transaction bound to ctx, committing on
// success and rolling back on any error or panic.
func (b *base) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	txCtx := withTxContext(ctx, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("postgres: tx failed: %w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Store is the postgres.Repository aggregate. It hands out one typed
// store per entity rather than implementing every interface itself,
// since Job, Chunk, Image, Activity, and Project each declare methods
// like Create or Update whose signatures collide on a shared receiver.
type Store struct {
	*base
}

// New wraps an established *sql.DB as a repository.Repository.
func New(db *sql.DB) *Store {
	return &Store{base: &base{db: db}}
}

func (r *Store) Jobs() repository.JobRepository          { return &JobStore{base: r.base} }
func (r *Store) Chunks() repository.ChunkRepository      { return &ChunkStore{base: r.base} }
func (r *Store) Images() repository.ImageRepository      { return &ImageStore{base: r.base} }
func (r *Store) Activity() repository.ActivityRepository { return &ActivityStore{base: r.base} }
func (r *Store) Projects() repository.ProjectRepository  { return &ProjectStore{base: r.base} }
