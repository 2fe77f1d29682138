package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/memvault/memvault/pkg/logger"
)

// ErrAccessDenied is returned when no policy admits the request. Always
// surfaced to the caller, never swallowed.
var ErrAccessDenied = errors.New("access denied")

// lister is the slice of the policy store the engine needs
type lister interface {
	List(ctx context.Context) ([]AccessPolicy, error)
}

// Engine evaluates access policies per table and operation. Evaluation is
// read-only against an in-process snapshot; administrative mutations go
// through the store and then Invalidate.
type Engine struct {
	store  lister
	logger *logger.Logger

	mu       sync.RWMutex
	snapshot []AccessPolicy
	loaded   bool
}

// NewEngine creates a new authorization engine
func NewEngine(store lister, logger *logger.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Authorize decides whether principal may perform op on table. rowOwner is
// the internal identifier owning the row under examination (or, for inserts,
// the owner the new row would carry); it is ignored for service principals.
//
// Service principals are admitted before any policy lookup: internal
// consistency work (existence checks, cascades) must always see the full
// table, not the view a restrictive end-user policy would leave.
func (e *Engine) Authorize(ctx context.Context, principal Principal, table string, op Operation, rowOwner string) error {
	if principal.Kind == KindService {
		return nil
	}

	policies, err := e.policies(ctx)
	if err != nil {
		return err
	}

	if err := decide(policies, principal, table, op, rowOwner); err != nil {
		e.logger.WithFields(map[string]string{
			"principal_kind": string(principal.Kind),
			"principal_id":   principal.ID,
			"table":          table,
			"operation":      string(op),
		}).Warn("Access denied")
		return err
	}
	return nil
}

// decide is the pure resolution algorithm. Policies matching (table, op)
// are collected, with "all" covering read/insert/update but never delete
// for end-user principals; zero matches deny by default.
func decide(policies []AccessPolicy, principal Principal, table string, op Operation, rowOwner string) error {
	for _, p := range policies {
		if p.Table != table || p.PrincipalKind != principal.Kind {
			continue
		}
		if !operationCovered(p.PrincipalKind, p.Operation, op) {
			continue
		}

		switch p.Predicate {
		case PredicateAlways:
			return nil
		case PredicateOwnerMatch:
			if rowOwner != "" && rowOwner == principal.ID {
				return nil
			}
		}
	}

	return fmt.Errorf("%w: %s may not %s on %s", ErrAccessDenied, principal.Kind, op, table)
}

// operationCovered reports whether a policy's operation grants the requested
// one. A blanket end-user "all" never covers delete: removing rows requires
// an explicit delete grant. Service grants carry no such carve-out.
func operationCovered(kind PrincipalKind, granted, requested Operation) bool {
	if granted == requested {
		return true
	}
	if granted == OpAll {
		return kind == KindService || requested != OpDelete
	}
	return false
}

// Invalidate discards the cached policy snapshot. Called after any
// administrative policy change.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.loaded = false
	e.snapshot = nil
	e.mu.Unlock()
}

func (e *Engine) policies(ctx context.Context) ([]AccessPolicy, error) {
	e.mu.RLock()
	if e.loaded {
		snapshot := e.snapshot
		e.mu.RUnlock()
		return snapshot, nil
	}
	e.mu.RUnlock()

	policies, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy snapshot: %w", err)
	}

	e.mu.Lock()
	e.snapshot = policies
	e.loaded = true
	e.mu.Unlock()

	return policies, nil
}
