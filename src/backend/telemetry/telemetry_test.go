package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newCapturingReporter(t *testing.T) (*Reporter, *[]*sentry.Event, *observer.ObservedLogs) {
	t.Helper()
	var mu sync.Mutex
	var events []*sentry.Event
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:        "https://public@example.com/1",
		SampleRate: 1.0,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
			return nil
		},
	})
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	hub := sentry.NewHub(client, sentry.NewScope())
	return NewWithHub(hub, zap.New(core)), &events, logs
}

func TestDegraded_CapturesEventAndLogs(t *testing.T) {
	r, events, logs := newCapturingReporter(t)

	r.Degraded(context.Background(), ConditionDetectionFailed, errors.New("detector down"), map[string]string{"session_id": "s1"})

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.Equal(t, sentry.LevelWarning, ev.Level)
	assert.Equal(t, ConditionDetectionFailed, ev.Tags["condition"])
	assert.Equal(t, "s1", ev.Tags["session_id"])

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "degraded", logs.All()[0].Message)
}

func TestDegraded_MessageWithoutError(t *testing.T) {
	r, events, _ := newCapturingReporter(t)

	r.Degraded(context.Background(), ConditionUnresolvedTokens, nil, nil)

	require.Len(t, *events, 1)
	assert.Equal(t, ConditionUnresolvedTokens, (*events)[0].Message)
}

func TestReporter_NilAndNoDSN(t *testing.T) {
	var nilReporter *Reporter
	nilReporter.Degraded(context.Background(), ConditionRAGFailed, errors.New("x"), nil)
	assert.True(t, nilReporter.Flush(0))

	r, err := New(Options{}, nil)
	require.NoError(t, err)
	r.Degraded(context.Background(), ConditionRAGFailed, errors.New("x"), nil)
	assert.True(t, r.Flush(0))
}
