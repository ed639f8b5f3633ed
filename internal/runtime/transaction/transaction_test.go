package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
)

type fakeTx struct {
	mu         sync.Mutex
	commits    int
	rollbacks  int
	commitErr  error
	rollbackFn func()
}

func (f *fakeTx) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	if f.rollbackFn != nil {
		f.rollbackFn()
	}
	return nil
}

func factoryFor(tx *fakeTx, begun *int) Factory {
	return FactoryFunc(func(context.Context) (Transaction, error) {
		*begun++
		return tx, nil
	})
}

func TestAlwaysBeginCommitsOnSuccess(t *testing.T) {
	tx := &fakeTx{}
	begun := 0
	tmpl := NewTemplate(Config{Action: AlwaysBegin, Factory: factoryFor(tx, &begun)})

	got, err := Execute(context.Background(), tmpl, func(ctx context.Context) (string, error) {
		bound, ok := FromContext(ctx)
		require.True(t, ok)
		assert.Same(t, tx, bound)
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 1, begun)
	assert.Equal(t, 1, tx.commits)
	assert.Zero(t, tx.rollbacks)
}

func TestAlwaysBeginRollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	begun := 0
	boom := errors.New("boom")
	tmpl := NewTemplate(Config{Action: AlwaysBegin, Factory: factoryFor(tx, &begun)})

	_, err := Execute(context.Background(), tmpl, func(context.Context) (int, error) {
		return 0, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Zero(t, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestAlwaysBeginRollsBackOnPanic(t *testing.T) {
	tx := &fakeTx{}
	begun := 0
	tmpl := NewTemplate(Config{Action: AlwaysBegin, Factory: factoryFor(tx, &begun)})

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = Execute(context.Background(), tmpl, func(context.Context) (int, error) {
			panic("kaboom")
		})
	})
	assert.Equal(t, 1, tx.rollbacks)
	assert.Zero(t, tx.commits)
}

func TestCommitFailureIsReported(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("disk full")}
	begun := 0
	tmpl := NewTemplate(Config{Action: BeginOrJoin, Factory: factoryFor(tx, &begun)})

	got, err := Execute(context.Background(), tmpl, func(context.Context) (string, error) { return "x", nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit transaction: disk full")
	assert.Empty(t, got)
}

func TestBeginOrJoinJoinsOuterTransaction(t *testing.T) {
	outer := &fakeTx{}
	inner := &fakeTx{}
	begun := 0
	tmpl := NewTemplate(Config{Action: BeginOrJoin, Factory: factoryFor(inner, &begun)})

	ctx := WithTransaction(context.Background(), outer)
	_, err := Execute(ctx, tmpl, func(ctx context.Context) (int, error) {
		bound, _ := FromContext(ctx)
		assert.Same(t, outer, bound)
		return 0, errors.New("fails inside joined tx")
	})

	require.Error(t, err)
	assert.Zero(t, begun)
	assert.Zero(t, outer.commits)
	assert.Zero(t, outer.rollbacks)
}

func TestJoinAndNeverRules(t *testing.T) {
	ctx := context.Background()
	withTx := WithTransaction(ctx, &fakeTx{})
	noop := func(context.Context) (int, error) { return 1, nil }

	_, err := Execute(ctx, NewTemplate(Config{Action: AlwaysJoin}), noop)
	assert.ErrorIs(t, err, errspkg.ErrTransactionRequired)
	_, err = Execute(withTx, NewTemplate(Config{Action: AlwaysJoin}), noop)
	assert.NoError(t, err)

	_, err = Execute(withTx, NewTemplate(Config{Action: Never}), noop)
	assert.ErrorIs(t, err, errspkg.ErrTransactionNotAllowed)
	_, err = Execute(ctx, NewTemplate(Config{Action: Never}), noop)
	assert.NoError(t, err)

	for _, action := range []Action{None, JoinIfPossible, Indifferent} {
		got, err := Execute(ctx, NewTemplate(Config{Action: action}), noop)
		assert.NoError(t, err, action.String())
		assert.Equal(t, 1, got)
	}

	_, err = Execute(ctx, NewTemplate(Config{Action: AlwaysBegin}), noop)
	assert.ErrorIs(t, err, errspkg.ErrTransactionFactoryRequired)

	_, err = Execute(ctx, NewTemplate(Config{Action: Action(99)}), noop)
	assert.EqualError(t, err, "flowmesh: unsupported transaction action Action(99)")
}

func TestNotSupportedSuspendsOuterTransaction(t *testing.T) {
	ctx := WithTransaction(context.Background(), &fakeTx{})

	_, err := Execute(ctx, NewTemplate(Config{Action: NotSupported}), func(ctx context.Context) (int, error) {
		_, ok := FromContext(ctx)
		assert.False(t, ok)
		return 0, nil
	})
	require.NoError(t, err)

	_, ok := FromContext(ctx)
	assert.True(t, ok)
}

func TestNilTemplateRunsDirectly(t *testing.T) {
	got, err := Execute(context.Background(), nil, func(context.Context) (string, error) { return "direct", nil })
	require.NoError(t, err)
	assert.Equal(t, "direct", got)
}

func TestTimeoutAppliesToBegunTransaction(t *testing.T) {
	tx := &fakeTx{}
	begun := 0
	tmpl := NewTemplate(Config{Action: AlwaysBegin, Factory: factoryFor(tx, &begun), Timeout: 10 * time.Millisecond})

	_, err := Execute(context.Background(), tmpl, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, tx.rollbacks)
}
