package lock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lsc/internal/change"
	lscerrors "lsc/internal/errors"
	"lsc/internal/logging"
)

// Manager tracks locked paths per lock domain and moves branches between
// domains.
type Manager struct {
	box    Box
	now    func() time.Time
	logger *zap.Logger
}

func NewManager(box Box, logger *zap.Logger) *Manager {
	return &Manager{
		box:    box,
		now:    time.Now,
		logger: logging.OrNop(logger).Named("lock"),
	}
}

// NewDomainID allocates a lock domain id.
func NewDomainID() string {
	return uuid.NewString()
}

func (m *Manager) newLock(domain, path string, owner Owner) (*Lock, error) {
	p, err := change.CanonicalPath(path)
	if err != nil {
		return nil, lscerrors.ValidationError(err.Error(), nil)
	}
	if !owner.Valid() {
		return nil, lscerrors.ValidationError(fmt.Sprintf("incomplete lock owner %q", owner), nil)
	}
	return &Lock{Path: p, DomainID: domain, Owner: owner, CreatedAt: m.now().UTC()}, nil
}

// Lock takes path in domain for owner. Taking a lock owner already holds
// returns the existing lock.
func (m *Manager) Lock(ctx context.Context, domain, path string, owner Owner) (*Lock, error) {
	if domain == "" {
		return nil, lscerrors.ValidationError("empty lock domain", nil)
	}
	l, err := m.newLock(domain, path, owner)
	if err != nil {
		return nil, err
	}
	held, err := m.box.InsertLock(ctx, l)
	if err != nil {
		return nil, err
	}
	m.logger.Info("locked", zap.String("path", held.Path), zap.String("domain", domain), zap.Stringer("owner", owner))
	return held, nil
}

// LockOnBranch takes path in whatever domain branch belongs to at the time
// of the call.
func (m *Manager) LockOnBranch(ctx context.Context, branchName, path string, owner Owner) (*Lock, error) {
	l, err := m.newLock("", path, owner)
	if err != nil {
		return nil, err
	}
	held, err := m.box.InsertBranchLock(ctx, branchName, l)
	if err != nil {
		return nil, err
	}
	m.logger.Info("locked", zap.String("path", held.Path), zap.String("domain", held.DomainID), zap.Stringer("owner", owner))
	return held, nil
}

func (m *Manager) Unlock(ctx context.Context, domain, path string, owner Owner) error {
	p, err := change.CanonicalPath(path)
	if err != nil {
		return lscerrors.ValidationError(err.Error(), nil)
	}
	if err := m.box.DeleteLock(ctx, domain, p, owner); err != nil {
		return err
	}
	m.logger.Info("unlocked", zap.String("path", p), zap.String("domain", domain), zap.Stringer("owner", owner))
	return nil
}

func (m *Manager) Get(ctx context.Context, domain, path string) (*Lock, error) {
	return m.box.GetLock(ctx, domain, path)
}

// List returns the locks of a domain sorted by path.
func (m *Manager) List(ctx context.Context, domain string) ([]*Lock, error) {
	locks, err := m.box.ListLocks(ctx, domain)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(locks, func(a, b *Lock) int {
		return strings.Compare(a.Path, b.Path)
	})
	return locks, nil
}

// CheckWritable fails with AlreadyLocked when someone other than owner
// holds path. It reports whether owner holds the lock itself.
func (m *Manager) CheckWritable(ctx context.Context, domain, path string, owner Owner) (bool, error) {
	l, err := m.box.GetLock(ctx, domain, path)
	if err != nil {
		if lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
			return false, nil
		}
		return false, err
	}
	if l.Owner != owner {
		return false, lscerrors.AlreadyLocked(path, l.Owner)
	}
	return true, nil
}

// Transfer hands path from one owner to another without unlocking it in
// between.
func (m *Manager) Transfer(ctx context.Context, domain, path string, from, to Owner) (*Lock, error) {
	p, err := change.CanonicalPath(path)
	if err != nil {
		return nil, lscerrors.ValidationError(err.Error(), nil)
	}
	if !to.Valid() {
		return nil, lscerrors.ValidationError(fmt.Sprintf("incomplete lock owner %q", to), nil)
	}
	l, err := m.box.TransferLock(ctx, domain, p, from, to)
	if err != nil {
		return nil, err
	}
	m.logger.Info("transferred lock",
		zap.String("path", p),
		zap.String("domain", domain),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	return l, nil
}

// AttachBranch makes target the parent of child and moves child and its
// descendants into target's lock domain. The descendants are read in the
// same transaction that moves them.
func (m *Manager) AttachBranch(ctx context.Context, child, target string) error {
	if child == target {
		return lscerrors.ValidationError("cannot attach a branch to itself", nil)
	}
	moved, err := m.box.Reassign(ctx, Reassignment{Root: child, Parent: target})
	if err != nil {
		return err
	}

	m.logger.Info("attached branch",
		zap.String("branch", child),
		zap.String("target", target),
		zap.Strings("moved", moved))
	return nil
}

// DetachBranch gives branch and its descendants a fresh lock domain. Locks
// owned by those branches move with them.
func (m *Manager) DetachBranch(ctx context.Context, name string) (string, error) {
	domain := NewDomainID()
	moved, err := m.box.Reassign(ctx, Reassignment{Root: name, Domain: domain})
	if err != nil {
		return "", err
	}

	m.logger.Info("detached branch",
		zap.String("branch", name),
		zap.Strings("moved", moved),
		zap.String("domain", domain))
	return domain, nil
}
