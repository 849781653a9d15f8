package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"
)

// DefaultDir is the on-disk location used by `migrate create` and `validate`.
const DefaultDir = "pkg/migrate/migrations"

// EmbeddedDir selects the migrations compiled into the binary.
const EmbeddedDir = "migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Applied describes one migration the runner moved up or down.
type Applied struct {
	Version   int64
	Path      string
	Direction string
	Duration  time.Duration
	Empty     bool
}

// Status is one row of the migration ledger.
type Status struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Runner applies goose migrations from one source directory against db.
// The caller keeps ownership of db.
type Runner struct {
	provider *goose.Provider
}

// NewRunner reads migrations from dir, or from the embedded set when dir is
// EmbeddedDir, and binds them to db using the postgres dialect.
func NewRunner(db *sql.DB, dir string) (*Runner, error) {
	return newRunner(db, dir, goose.DialectPostgres)
}

func newRunner(db *sql.DB, dir string, dialect goose.Dialect) (*Runner, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	fsys, err := sourceFS(dir)
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Runner{provider: provider}, nil
}

func sourceFS(dir string) (fs.FS, error) {
	switch dir {
	case "":
		return nil, errors.New("dir is required")
	case EmbeddedDir:
		return fs.Sub(embedded, EmbeddedDir)
	default:
		return os.DirFS(dir), nil
	}
}

// Up applies every pending migration.
func (r *Runner) Up(ctx context.Context) ([]Applied, error) {
	results, err := r.provider.Up(ctx)
	if err != nil {
		return appliedFrom(results), fmt.Errorf("goose up: %w", err)
	}
	return appliedFrom(results), nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down(ctx context.Context) ([]Applied, error) {
	result, err := r.provider.Down(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose down: %w", err)
	}
	return appliedFrom([]*goose.MigrationResult{result}), nil
}

// To moves the database up or down until targetVersion is current.
func (r *Runner) To(ctx context.Context, targetVersion string) ([]Applied, error) {
	if targetVersion == "" {
		return nil, errors.New("targetVersion is required")
	}
	target, err := strconv.ParseInt(targetVersion, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS): %w", targetVersion, err)
	}

	current, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("get db version: %w", err)
	}

	var results []*goose.MigrationResult
	switch {
	case current == target:
		return nil, nil
	case current < target:
		results, err = r.provider.UpTo(ctx, target)
	default:
		results, err = r.provider.DownTo(ctx, target)
	}
	if err != nil {
		return appliedFrom(results), fmt.Errorf("migrate to %d: %w", target, err)
	}
	return appliedFrom(results), nil
}

// Status lists every known migration in version order.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	rows, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose status: %w", err)
	}
	out := make([]Status, 0, len(rows))
	for _, row := range rows {
		out = append(out, Status{
			Version:   row.Source.Version,
			Path:      row.Source.Path,
			Applied:   row.State == goose.StateApplied,
			AppliedAt: row.AppliedAt,
		})
	}
	return out, nil
}

func appliedFrom(results []*goose.MigrationResult) []Applied {
	out := make([]Applied, 0, len(results))
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		out = append(out, Applied{
			Version:   res.Source.Version,
			Path:      res.Source.Path,
			Direction: res.Direction,
			Duration:  res.Duration,
			Empty:     res.Empty,
		})
	}
	return out
}
