// Package store is the single source of truth for tasks, links, inputs
// and outputs, embeddings, context snapshots, workflows, and evaluation
// history. It is backed by SQLite with goose-managed migrations; every
// mutating operation runs in a transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	apperrors "loom/internal/errors"
	"loom/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OutputHook observes persisted task outputs. Hooks run on the calling
// goroutine after the write commits; they must not block.
type OutputHook func(taskID int64, content string)

// Store wraps the SQLite database plus the locks the repository
// contract needs: one mutex per workflow for link cycle checks.
type Store struct {
	db     *sqlx.DB
	logger logging.Logger

	mu            sync.Mutex
	workflowLocks map[string]*sync.Mutex

	hookMu      sync.RWMutex
	outputHooks []OutputHook
}

// Open opens (or creates) the database at path and applies pending
// migrations. The parent directory is created when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseConnection, "create database directory %s", dir)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseConnection, "open database %s", path)
	}
	// SQLite permits one writer at a time; a single pooled connection
	// keeps transactions from fighting over it.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:            db,
		logger:        logging.NewComponentLogger("store"),
		workflowLocks: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("store ready at %s", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseMigration, "set migration dialect")
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseMigration, "apply migrations")
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnOutput registers a hook fired after every output upsert. The
// embedding service uses this to schedule best-effort async embeds.
func (s *Store) OnOutput(hook OutputHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	s.outputHooks = append(s.outputHooks, hook)
	s.hookMu.Unlock()
}

func (s *Store) fireOutputHooks(taskID int64, content string) {
	s.hookMu.RLock()
	hooks := s.outputHooks
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(taskID, content)
	}
}

// lockWorkflow returns the mutex serializing link mutations for one
// workflow.
func (s *Store) lockWorkflow(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.workflowLocks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		s.workflowLocks[workflowID] = lock
	}
	return lock
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseConnection, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Error("rollback failed: %v (after %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "commit transaction")
	}
	return nil
}

// IsNotFound reports whether err is any of the repository's not-found
// conditions.
func IsNotFound(err error) bool {
	appErr, ok := apperrors.AsApp(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case apperrors.CodeTaskNotFound, apperrors.CodeWorkflowNotFound,
		apperrors.CodeLinkNotFound, apperrors.CodeSnapshotNotFound,
		apperrors.CodePlanNotFound:
		return true
	}
	return false
}

// IsCycle reports whether err is a dependency-cycle rejection.
func IsCycle(err error) bool {
	appErr, ok := apperrors.AsApp(err)
	return ok && appErr.Code == apperrors.CodeDependencyCycle
}

func taskNotFound(id int64) error {
	return apperrors.Newf(apperrors.CodeTaskNotFound, "task %d not found", id).
		WithContext("task_id", id).
		WithSuggestions("List tasks to find a valid id.")
}
