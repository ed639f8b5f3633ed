package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/flowmesh/internal/runtime/config"
	"github.com/drblury/flowmesh/internal/runtime/connector"
	"github.com/drblury/flowmesh/internal/runtime/processor"
)

func TestJobHooksMergeCallsBothInOrder(t *testing.T) {
	var calls []string
	a := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "a-start") },
		OnJobError: func(JobContext, error) { calls = append(calls, "a-error") },
	}
	b := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "b-start") },
		OnJobDone:  func(JobContext) { calls = append(calls, "b-done") },
	}

	merged := a.Merge(b)
	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))

	assert.Equal(t, []string{"a-start", "b-start", "b-done", "a-error"}, calls)
	assert.True(t, JobHooks{}.Merge(JobHooks{}).empty())
}

func TestJobHooksMiddlewareReportsOutcome(t *testing.T) {
	var (
		started JobContext
		done    JobContext
		failed  error
	)
	reg := JobHooksMiddleware(JobHooks{
		OnJobStart: func(ctx JobContext) { started = ctx },
		OnJobDone:  func(ctx JobContext) { done = ctx },
		OnJobError: func(_ JobContext, err error) { failed = err },
	})
	mw, err := reg.build(nil, SourceInfo{Flow: "orders", Topic: "orders.in"})
	require.NoError(t, err)

	msg := message.NewMessage("m-1", nil)
	msg.Metadata.Set(connector.MetadataEventID, "ev-1")
	middleware.SetCorrelationID("corr-1", msg)

	_, err = mw(func(*message.Message) ([]*message.Message, error) {
		time.Sleep(time.Millisecond)
		return nil, nil
	})(msg)
	require.NoError(t, err)

	assert.Equal(t, "orders", started.Flow)
	assert.Equal(t, "orders.in", started.Topic)
	assert.Equal(t, "m-1", started.MessageUUID)
	assert.Equal(t, "ev-1", started.EventID)
	assert.Equal(t, "corr-1", started.CorrelationID)
	assert.Zero(t, started.Duration)
	assert.Positive(t, done.Duration)
	assert.NoError(t, failed)

	boom := errors.New("boom")
	_, err = mw(func(*message.Message) ([]*message.Message, error) { return nil, boom })(message.NewMessage("m-2", nil))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, failed, boom)
}

func TestServiceHooksSeeFlowDeliveries(t *testing.T) {
	ctx := context.Background()

	var (
		mu     sync.Mutex
		starts []string
		errs   []string
	)
	hooks := MetricsHooks(
		func(flow, topic string) {
			mu.Lock()
			defer mu.Unlock()
			starts = append(starts, flow+"@"+topic)
		},
		nil,
		func(flow, _ string) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, flow)
		},
	)
	svc, _ := newTestService(t, &configpkg.Config{}, ServiceDependencies{Hooks: hooks})

	_, err := RegisterTopicFlow(ctx, svc, TopicFlowRegistration{
		Name:         "ok",
		ConsumeTopic: "ok.in",
		Processors:   []processor.Processor{&sink{}},
	})
	require.NoError(t, err)
	_, err = RegisterTopicFlow(ctx, svc, TopicFlowRegistration{
		Name:         "bad",
		ConsumeTopic: "bad.in",
		Processors:   []processor.Processor{&sink{err: errors.New("rejected")}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	_, err = svc.PublishPayload(ctx, "ok.in", "a", nil)
	require.NoError(t, err)
	_, err = svc.PublishPayload(ctx, "bad.in", "b", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 2 && len(errs) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, starts, "ok@ok.in")
	assert.Contains(t, starts, "bad@bad.in")
	assert.Equal(t, "bad", errs[0])
}

func TestLoggingHooks(t *testing.T) {
	svc, log := newTestService(t, &configpkg.Config{}, ServiceDependencies{})
	hooks := LoggingHooks(svc.Logger)

	ctx := JobContext{Flow: "f", Topic: "t", MessageUUID: "m", Duration: 3 * time.Millisecond}
	hooks.OnJobStart(ctx)
	hooks.OnJobDone(ctx)
	hooks.OnJobError(ctx, errors.New("x"))

	var msgs []string
	for _, e := range log.Entries() {
		if e.Fields["flow"] == "f" {
			msgs = append(msgs, e.Level+":"+e.Msg)
		}
	}
	assert.Equal(t, []string{"debug:Job started", "info:Job completed", "error:Job failed"}, msgs)
}

func TestAlertingHooksOnlyFireOnError(t *testing.T) {
	var alerted error
	hooks := AlertingHooks(func(_ JobContext, err error) { alerted = err })
	assert.Nil(t, hooks.OnJobStart)
	assert.Nil(t, hooks.OnJobDone)

	hooks.OnJobError(JobContext{}, errors.New("page"))
	assert.EqualError(t, alerted, "page")
}
