//go:build unit

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type testLogger struct {
	mu       sync.Mutex
	messages []string
	fields   [][]log.Field
	logged   chan struct{}
}

func newTestLogger() *testLogger {
	return &testLogger{logged: make(chan struct{}, 1)}
}

func (l *testLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, msg)
	l.fields = append(l.fields, fields)

	select {
	case l.logged <- struct{}{}:
	default:
	}
}

func (l *testLogger) waitForLog(timeout time.Duration) bool {
	select {
	case <-l.logged:
		return true
	case <-time.After(timeout):
		return false
	}
}

func fieldValue(fields []log.Field, key string) any {
	for _, f := range fields {
		if f.Key == key {
			return f.Value
		}
	}

	return nil
}

func TestPanicPolicyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "KeepRunning", KeepRunning.String())
	assert.Equal(t, "CrashProcess", CrashProcess.String())
	assert.Equal(t, "Unknown", PanicPolicy(99).String())
}

func TestRecoverAndLogWithContext(t *testing.T) {
	t.Parallel()

	logger := newTestLogger()

	assert.NotPanics(t, func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "serial", "worker")
		panic("boom")
	})

	require.Len(t, logger.messages, 1)
	assert.Equal(t, "panic recovered", logger.messages[0])
	assert.Equal(t, "worker", fieldValue(logger.fields[0], "source"))
	assert.Equal(t, "boom", fieldValue(logger.fields[0], "panic_value"))
}

func TestRecoverAndLogNilLogger(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		defer RecoverAndLogWithContext(context.Background(), nil, "serial", "worker")
		panic("boom")
	})
}

func TestRecoverWithPolicyCrashProcessRepanics(t *testing.T) {
	t.Parallel()

	logger := newTestLogger()

	assert.PanicsWithValue(t, "fatal", func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "engine", "drain", CrashProcess)
		panic("fatal")
	})

	require.Len(t, logger.messages, 1)
	assert.Equal(t, "engine", fieldValue(logger.fields[0], "component"))
}

func TestRecoverFunctionsNoPanic(t *testing.T) {
	t.Parallel()

	logger := newTestLogger()

	func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "engine", "noop")
	}()

	assert.Empty(t, logger.messages)
}

func TestSafeGoRecovers(t *testing.T) {
	t.Parallel()

	logger := newTestLogger()

	SafeGo(logger, "background", KeepRunning, func() {
		panic("in goroutine")
	})

	require.True(t, logger.waitForLog(time.Second))
}

func TestSafeGoWithContextAndComponentPassesContext(t *testing.T) {
	t.Parallel()

	type key struct{}

	ctx := context.WithValue(context.Background(), key{}, "value")
	got := make(chan any, 1)

	SafeGoWithContextAndComponent(ctx, newTestLogger(), "engine", "loop", KeepRunning, func(ctx context.Context) {
		got <- ctx.Value(key{})
	})

	select {
	case v := <-got:
		assert.Equal(t, "value", v)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestHandlePanicValue(t *testing.T) {
	t.Parallel()

	logger := newTestLogger()

	HandlePanicValue(context.Background(), logger, nil, "http", "handler")
	assert.Empty(t, logger.messages)

	HandlePanicValue(context.Background(), logger, "oops", "http", "handler")
	require.Len(t, logger.messages, 1)
}

func TestRecordPanicToSpanWithComponent(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	RecordPanicToSpanWithComponent(ctx, "bad", []byte("stack"), "engine", "drain")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	events := spans[0].Events()
	require.Len(t, events, 2)
	assert.Equal(t, PanicSpanEventName, events[0].Name)

	attrs := map[string]string{}
	for _, attr := range events[0].Attributes {
		attrs[string(attr.Key)] = attr.Value.AsString()
	}

	assert.Equal(t, "bad", attrs["panic.value"])
	assert.Equal(t, "engine", attrs["panic.component"])
	assert.Equal(t, "drain", attrs["panic.goroutine_name"])
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "panic recovered in drain", spans[0].Status().Description)
}

func TestRecordPanicToSpanWithoutSpan(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		RecordPanicToSpan(context.Background(), "x", nil, "worker")
		//nolint:staticcheck
		RecordPanicToSpan(nil, "x", nil, "worker")
	})
}
