package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"gracechurch.org/authz/internal/obs"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

//go:embed seeds/*.sql
var embeddedSeeds embed.FS

// Embedded returns the schema migrations and seeds compiled into the binary.
func Embedded() (migrations, seeds fs.FS) {
	m, _ := fs.Sub(embeddedMigrations, "sql")
	s, _ := fs.Sub(embeddedSeeds, "seeds")
	return m, s
}

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

// ErrNothingApplied is returned by Down when no migration has run.
var ErrNothingApplied = errors.New("no migrations applied")

// Applied is one row of a bookkeeping table.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// journal is a bookkeeping table recording which scripts of one kind have run.
type journal struct {
	table string
	kind  string
}

func (j journal) ensure(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`create table if not exists %s (
		name text primary key,
		applied_at timestamptz not null default now()
	)`, j.table))
	if err != nil {
		return fmt.Errorf("create %s journal: %w", j.kind, err)
	}
	return nil
}

// entries lists the journal oldest first.
func (j journal) entries(ctx context.Context, db *sql.DB) ([]Applied, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at, name`, j.table))
	if err != nil {
		return nil, fmt.Errorf("read %s journal: %w", j.kind, err)
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (j journal) record(ctx context.Context, tx *sql.Tx, name string, at time.Time) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, j.table), name, at)
	return err
}

func (j journal) forget(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, j.table), name)
	return err
}

// Manager applies the authz schema and role seeds. Each script runs in its own
// transaction together with its journal row, so a failed script leaves no trace.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	schema     journal
	seedLog    journal
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable renames the migrations journal. Names that are not plain
// identifiers are ignored.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if isIdentifier(name) {
			m.schema.table = name
		}
	}
}

// WithSeedsTable renames the seeds journal. Names that are not plain identifiers
// are ignored.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if isIdentifier(name) {
			m.seedLog.table = name
		}
	}
}

// WithLogger sets the logger reporting applied scripts.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a Manager. A nil file system contributes no files.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: migrations,
		seeds:      seeds,
		schema:     journal{table: "schema_migrations", kind: "migration"},
		seedLog:    journal{table: "schema_seeds", kind: "seed"},
		logger:     obs.Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in name order.
func (m *Manager) Up(ctx context.Context) error {
	n, err := m.applyPending(ctx, m.schema, m.migrations, upSuffix)
	if err == nil {
		m.logger.Info("migrations up to date", zap.Int("applied", n))
	}
	return err
}

// Seed applies seed files that have not run yet.
func (m *Manager) Seed(ctx context.Context) error {
	n, err := m.applyPending(ctx, m.seedLog, m.seeds, seedSuffix)
	if err == nil {
		m.logger.Info("seeds up to date", zap.Int("applied", n))
	}
	return err
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	applied, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1].Name
	script, err := downScript(m.migrations, last)
	if err != nil {
		return err
	}
	err = m.runScript(ctx, m.migrations, script, func(tx *sql.Tx) error {
		return m.schema.forget(ctx, tx, last)
	})
	if err != nil {
		return fmt.Errorf("roll back %s: %w", last, err)
	}
	m.logger.Info("migration rolled back", zap.String("name", last))
	return nil
}

// Status lists applied migrations oldest first.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureJournals(ctx); err != nil {
		return nil, err
	}
	return m.schema.entries(ctx, m.db)
}

// Pending lists migrations that Up would apply.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	applied, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	scripts, err := scriptsWithSuffix(m.migrations, upSuffix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range unapplied(scripts, applied) {
		out = append(out, path.Base(s))
	}
	return out, nil
}

func (m *Manager) ensureJournals(ctx context.Context) error {
	if err := m.schema.ensure(ctx, m.db); err != nil {
		return err
	}
	return m.seedLog.ensure(ctx, m.db)
}

func (m *Manager) applyPending(ctx context.Context, j journal, fsys fs.FS, suffix string) (int, error) {
	if err := m.ensureJournals(ctx); err != nil {
		return 0, err
	}
	applied, err := j.entries(ctx, m.db)
	if err != nil {
		return 0, err
	}
	scripts, err := scriptsWithSuffix(fsys, suffix)
	if err != nil {
		return 0, err
	}
	pending := unapplied(scripts, applied)
	for _, script := range pending {
		name := path.Base(script)
		err := m.runScript(ctx, fsys, script, func(tx *sql.Tx) error {
			return j.record(ctx, tx, name, m.now().UTC())
		})
		if err != nil {
			return 0, fmt.Errorf("apply %s %s: %w", j.kind, name, err)
		}
		m.logger.Info("script applied", zap.String("kind", j.kind), zap.String("name", name))
	}
	return len(pending), nil
}

// runScript executes the statements of name and its bookkeeping in one transaction.
func (m *Manager) runScript(ctx context.Context, fsys fs.FS, name string, bookkeep func(*sql.Tx) error) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := bookkeep(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// scriptsWithSuffix returns matching paths sorted by file name. A missing or nil
// file system has no scripts.
func scriptsWithSuffix(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var out []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, suffix) {
			return nil
		}
		// Seeds use the plain .sql suffix; down scripts never count as seeds.
		if suffix == seedSuffix && strings.HasSuffix(name, downSuffix) {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return path.Base(out[i]) < path.Base(out[j]) })
	return out, nil
}

func unapplied(scripts []string, applied []Applied) []string {
	done := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		done[a.Name] = struct{}{}
	}
	var out []string
	for _, s := range scripts {
		if _, ok := done[path.Base(s)]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func downScript(fsys fs.FS, upName string) (string, error) {
	want := strings.TrimSuffix(upName, upSuffix) + downSuffix
	scripts, err := scriptsWithSuffix(fsys, downSuffix)
	if err != nil {
		return "", err
	}
	for _, s := range scripts {
		if path.Base(s) == want {
			return s, nil
		}
	}
	return "", fmt.Errorf("no down script for %s", upName)
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// splitStatements cuts a script at top-level semicolons. Quoted strings, dollar
// quoted bodies and -- comments are skipped; blank statements are dropped.
func splitStatements(script string) []string {
	var (
		out     []string
		current strings.Builder
		quote   string
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			out = append(out, stmt)
		}
		current.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case quote != "":
			if strings.HasPrefix(script[i:], quote) {
				current.WriteString(quote)
				i += len(quote) - 1
				quote = ""
				continue
			}
		case c == '\'':
			quote = "'"
		case c == '$' && strings.HasPrefix(script[i:], "$$"):
			quote = "$$"
			current.WriteString(quote)
			i++
			continue
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				i = len(script)
			} else {
				i += end - 1
			}
			continue
		case c == ';':
			flush()
			continue
		}
		current.WriteByte(c)
	}
	flush()
	return out
}
