// Package sqlstore keeps commits, branches and locks in SQLite. It is the
// default index of local repositories: several processes can share one
// database file, and every mutation runs in an immediate transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"lsc/internal/branch"
	"lsc/internal/change"
	"lsc/internal/commit"
	lscerrors "lsc/internal/errors"
	"lsc/internal/lock"
	"lsc/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	message TEXT NOT NULL,
	root_hash TEXT NOT NULL,
	date_time_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS commit_parents (
	id TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (id, position)
);
CREATE TABLE IF NOT EXISTS commit_changes (
	commit_id TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	hash TEXT NOT NULL,
	change_type TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (commit_id, position)
);
CREATE TABLE IF NOT EXISTS branches (
	name TEXT PRIMARY KEY,
	head TEXT NOT NULL,
	parent TEXT NOT NULL DEFAULT '',
	lock_domain_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS locks (
	relative_path TEXT NOT NULL,
	lock_domain_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	branch_name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (lock_domain_id, relative_path)
);
CREATE INDEX IF NOT EXISTS locks_by_branch ON locks(branch_name);
`

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ commit.Box = (*Store)(nil)
	_ branch.Box = (*Store)(nil)
	_ lock.Box   = (*Store)(nil)
)

// Open opens or creates the database file at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logging.OrNop(logger).Named("sqlstore")}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Commits

func (s *Store) CreateCommit(ctx context.Context, c *commit.Commit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO commits (id, owner, message, root_hash, date_time_utc) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.Owner, c.Message, c.RootHash, c.DateTimeUTC)
		if err != nil {
			return fmt.Errorf("inserting commit: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		for i, p := range c.Parents {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO commit_parents (id, parent_id, position) VALUES (?, ?, ?)`,
				c.ID, p, i); err != nil {
				return fmt.Errorf("inserting commit parent: %w", err)
			}
		}
		for i, ch := range c.Changes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO commit_changes (commit_id, relative_path, hash, change_type, position) VALUES (?, ?, ?, ?, ?)`,
				c.ID, ch.Path, ch.Hash, string(ch.Type), i); err != nil {
				return fmt.Errorf("inserting commit change: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetCommit(ctx context.Context, id string) (*commit.Commit, error) {
	c := &commit.Commit{ID: id, Parents: []string{}, Changes: []change.HashedChange{}}

	err := s.db.QueryRowContext(ctx,
		`SELECT owner, message, root_hash, date_time_utc FROM commits WHERE id = ?`, id).
		Scan(&c.Owner, &c.Message, &c.RootHash, &c.DateTimeUTC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lscerrors.NotFound(fmt.Sprintf("commit %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("reading commit: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_id FROM commit_parents WHERE id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("reading commit parents: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		c.Parents = append(c.Parents, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT relative_path, hash, change_type FROM commit_changes WHERE commit_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("reading commit changes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ch change.HashedChange
		var t string
		if err := rows.Scan(&ch.Path, &ch.Hash, &t); err != nil {
			return nil, err
		}
		ch.Type = change.ChangeType(t)
		c.Changes = append(c.Changes, ch)
	}
	return c, rows.Err()
}

func (s *Store) CommitExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking commit: %w", err)
	}
	return n > 0, nil
}

// Branches

func (s *Store) CreateBranch(ctx context.Context, b *branch.Branch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO branches (name, head, parent, lock_domain_id) VALUES (?, ?, ?, ?)`,
			b.Name, b.Head, b.Parent, b.LockDomainID)
		if err != nil {
			return fmt.Errorf("inserting branch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return lscerrors.AlreadyExists(fmt.Sprintf("branch %s already exists", b.Name))
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (*branch.Branch, error) {
	var b branch.Branch
	if err := row.Scan(&b.Name, &b.Head, &b.Parent, &b.LockDomainID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetBranch(ctx context.Context, name string) (*branch.Branch, error) {
	return getBranch(ctx, s.db, name)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBranch(ctx context.Context, q querier, name string) (*branch.Branch, error) {
	b, err := scanBranch(q.QueryRowContext(ctx,
		`SELECT name, head, parent, lock_domain_id FROM branches WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lscerrors.NotFound(fmt.Sprintf("branch %s not found", name))
	}
	if err != nil {
		return nil, fmt.Errorf("reading branch: %w", err)
	}
	return b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]*branch.Branch, error) {
	return listBranches(ctx, s.db)
}

func listBranches(ctx context.Context, q querier) ([]*branch.Branch, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name, head, parent, lock_domain_id FROM branches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	var out []*branch.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) UpdateBranchHead(ctx context.Context, name, expected, head string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE branches SET head = ? WHERE name = ? AND head = ?`, head, name, expected)
		if err != nil {
			return fmt.Errorf("updating branch head: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		b, err := getBranch(ctx, tx, name)
		if err != nil {
			return err
		}
		return lscerrors.ConcurrentModification(
			fmt.Sprintf("branch %s is at %s, expected %s", name, b.Head, expected))
	})
}

// Locks

func (s *Store) InsertLock(ctx context.Context, l *lock.Lock) (*lock.Lock, error) {
	var held *lock.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		held, err = insertLock(ctx, tx, l)
		return err
	})
	return held, err
}

func (s *Store) InsertBranchLock(ctx context.Context, branchName string, l *lock.Lock) (*lock.Lock, error) {
	var held *lock.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := getBranch(ctx, tx, branchName)
		if err != nil {
			return err
		}
		withDomain := *l
		withDomain.DomainID = b.LockDomainID
		held, err = insertLock(ctx, tx, &withDomain)
		return err
	})
	return held, err
}

func insertLock(ctx context.Context, tx *sql.Tx, l *lock.Lock) (*lock.Lock, error) {
	existing, err := getLock(ctx, tx, l.DomainID, l.Path)
	if err == nil {
		if existing.Owner == l.Owner {
			return existing, nil
		}
		return nil, lscerrors.AlreadyLocked(l.Path, existing.Owner)
	}
	if !lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO locks (relative_path, lock_domain_id, workspace_id, branch_name, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.Path, l.DomainID, l.Owner.Workspace, l.Owner.Branch, l.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("inserting lock: %w", err)
	}
	copied := *l
	return &copied, nil
}

func scanLock(row rowScanner) (*lock.Lock, error) {
	var l lock.Lock
	var created string
	if err := row.Scan(&l.Path, &l.DomainID, &l.Owner.Workspace, &l.Owner.Branch, &created); err != nil {
		return nil, err
	}
	l.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &l, nil
}

const lockColumns = `relative_path, lock_domain_id, workspace_id, branch_name, created_at`

func getLock(ctx context.Context, q querier, domain, path string) (*lock.Lock, error) {
	l, err := scanLock(q.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE lock_domain_id = ? AND relative_path = ?`, domain, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lscerrors.NotFound(fmt.Sprintf("%s is not locked", path))
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock: %w", err)
	}
	return l, nil
}

func (s *Store) GetLock(ctx context.Context, domain, path string) (*lock.Lock, error) {
	return getLock(ctx, s.db, domain, path)
}

func (s *Store) DeleteLock(ctx context.Context, domain, path string, owner lock.Owner) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getLock(ctx, tx, domain, path)
		if err != nil {
			return err
		}
		if existing.Owner != owner {
			return lscerrors.NotOwner(path, existing.Owner)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM locks WHERE lock_domain_id = ? AND relative_path = ?`, domain, path)
		return err
	})
}

func (s *Store) ListLocks(ctx context.Context, domain string) ([]*lock.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE lock_domain_id = ? ORDER BY relative_path`, domain)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	defer rows.Close()
	return collectLocks(rows)
}

func collectLocks(rows *sql.Rows) ([]*lock.Lock, error) {
	var out []*lock.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) TransferLock(ctx context.Context, domain, path string, from, to lock.Owner) (*lock.Lock, error) {
	var moved *lock.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getLock(ctx, tx, domain, path)
		if err != nil {
			return err
		}
		if existing.Owner != from {
			return lscerrors.NotOwner(path, existing.Owner)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE locks SET workspace_id = ?, branch_name = ? WHERE lock_domain_id = ? AND relative_path = ?`,
			to.Workspace, to.Branch, domain, path); err != nil {
			return fmt.Errorf("transferring lock: %w", err)
		}
		existing.Owner = to
		moved = existing
		return nil
	})
	return moved, err
}

func (s *Store) Reassign(ctx context.Context, r lock.Reassignment) ([]string, error) {
	var subtree []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		branches, err := listBranches(ctx, tx)
		if err != nil {
			return err
		}
		var domain string
		subtree, domain, err = r.Plan(branches)
		if err != nil {
			return err
		}
		r.Domain = domain

		for _, name := range subtree {
			if _, err := tx.ExecContext(ctx,
				`UPDATE branches SET lock_domain_id = ? WHERE name = ?`, r.Domain, name); err != nil {
				return fmt.Errorf("moving branch %s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE branches SET parent = ? WHERE name = ?`, r.Parent, r.Root); err != nil {
			return fmt.Errorf("re-parenting %s: %w", r.Root, err)
		}

		held := make(map[string]lock.Owner)
		rows, err := tx.QueryContext(ctx,
			`SELECT `+lockColumns+` FROM locks WHERE lock_domain_id = ?`, r.Domain)
		if err != nil {
			return fmt.Errorf("reading destination locks: %w", err)
		}
		existing, err := collectLocks(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for _, l := range existing {
			held[l.Path] = l.Owner
		}

		args := []any{r.Domain}
		for _, name := range subtree {
			args = append(args, name)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(subtree)), ", ")
		rows, err = tx.QueryContext(ctx,
			`SELECT `+lockColumns+` FROM locks WHERE lock_domain_id != ? AND branch_name IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return fmt.Errorf("reading moving locks: %w", err)
		}
		moving, err := collectLocks(rows)
		rows.Close()
		if err != nil {
			return err
		}

		var conflicts []string
		duplicate := make(map[*lock.Lock]bool)
		for _, l := range moving {
			owner, ok := held[l.Path]
			switch {
			case ok && owner != l.Owner:
				conflicts = append(conflicts, l.Path)
			case ok:
				duplicate[l] = true
			default:
				held[l.Path] = l.Owner
			}
		}
		if len(conflicts) > 0 {
			slices.Sort(conflicts)
			return lscerrors.CrossDomainLocks(slices.Compact(conflicts))
		}

		for _, l := range moving {
			query := `UPDATE locks SET lock_domain_id = ? WHERE lock_domain_id = ? AND relative_path = ?`
			qargs := []any{r.Domain, l.DomainID, l.Path}
			if duplicate[l] {
				query = `DELETE FROM locks WHERE lock_domain_id = ? AND relative_path = ?`
				qargs = qargs[1:]
			}
			if _, err := tx.ExecContext(ctx, query, qargs...); err != nil {
				return fmt.Errorf("moving lock %s: %w", l.Path, err)
			}
		}

		s.logger.Debug("reassigned lock domain",
			zap.String("root", r.Root),
			zap.String("domain", r.Domain),
			zap.Int("moved_locks", len(moving)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subtree, nil
}
