package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
)

// Action decides how a unit of work relates to the caller's transaction.
type Action int

const (
	// None runs without touching transactions.
	None Action = iota
	// AlwaysBegin starts a new transaction, suspending any active one.
	AlwaysBegin
	// BeginOrJoin joins the active transaction or starts one.
	BeginOrJoin
	// AlwaysJoin requires an active transaction.
	AlwaysJoin
	// JoinIfPossible joins when a transaction is active and otherwise runs
	// without one.
	JoinIfPossible
	// Never fails when a transaction is active.
	Never
	// NotSupported suspends the active transaction for the callback.
	NotSupported
	// Indifferent behaves like JoinIfPossible.
	Indifferent
)

func (a Action) String() string {
	switch a {
	case None:
		return "NONE"
	case AlwaysBegin:
		return "ALWAYS_BEGIN"
	case BeginOrJoin:
		return "BEGIN_OR_JOIN"
	case AlwaysJoin:
		return "ALWAYS_JOIN"
	case JoinIfPossible:
		return "JOIN_IF_POSSIBLE"
	case Never:
		return "NEVER"
	case NotSupported:
		return "NOT_SUPPORTED"
	case Indifferent:
		return "INDIFFERENT"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Transaction is a resource-bound unit that ends in commit or rollback.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Factory begins transactions.
type Factory interface {
	Begin(ctx context.Context) (Transaction, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Transaction, error)

func (f FactoryFunc) Begin(ctx context.Context) (Transaction, error) { return f(ctx) }

type txKey struct{}

// WithTransaction binds tx to ctx.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the transaction bound to ctx.
func FromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(Transaction)
	return tx, ok && tx != nil
}

// Config is the transactional behaviour of a router or flow.
type Config struct {
	Action  Action
	Factory Factory
	// Timeout bounds callbacks that run in a transaction begun by the template.
	Timeout time.Duration
}

// Template executes callbacks in the transactional scope described by its
// Config. A transaction the template began is committed when the callback
// succeeds and rolled back when it fails or panics. Joined transactions are
// left to their owner.
type Template struct {
	cfg Config
}

func NewTemplate(cfg Config) *Template {
	return &Template{cfg: cfg}
}

func (t *Template) Config() Config { return t.cfg }

// Execute runs fn according to the configured action.
func Execute[T any](ctx context.Context, t *Template, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if t == nil {
		return fn(ctx)
	}
	_, hasActive := FromContext(ctx)

	switch t.cfg.Action {
	case None:
		return fn(ctx)
	case JoinIfPossible, Indifferent:
		return fn(ctx)
	case AlwaysJoin:
		if !hasActive {
			return zero, errspkg.ErrTransactionRequired
		}
		return fn(ctx)
	case Never:
		if hasActive {
			return zero, errspkg.ErrTransactionNotAllowed
		}
		return fn(ctx)
	case NotSupported:
		if hasActive {
			ctx = WithTransaction(ctx, nil)
		}
		return fn(ctx)
	case BeginOrJoin:
		if hasActive {
			return fn(ctx)
		}
		return begin(ctx, t.cfg, fn)
	case AlwaysBegin:
		return begin(ctx, t.cfg, fn)
	default:
		return zero, fmt.Errorf("flowmesh: unsupported transaction action %s", t.cfg.Action)
	}
}

func begin[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (result T, err error) {
	if cfg.Factory == nil {
		return result, errspkg.ErrTransactionFactoryRequired
	}
	tx, err := cfg.Factory.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("flowmesh: begin transaction: %w", err)
	}

	scoped := WithTransaction(ctx, tx)
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		scoped, cancel = context.WithTimeout(scoped, cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	result, err = fn(scoped)
	if err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("flowmesh: rollback: %w", rbErr))
		}
		return result, err
	}
	if cErr := tx.Commit(ctx); cErr != nil {
		var zero T
		return zero, fmt.Errorf("flowmesh: commit transaction: %w", cErr)
	}
	return result, nil
}
