package faultbarrier

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-mainloop/affinity"
	"github.com/joeycumines/go-mainloop/logsink"
	"github.com/joeycumines/go-mainloop/report"
	"github.com/joeycumines/go-mainloop/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	mu      sync.Mutex
	reports []*report.Report
	flushes int
}

func (x *fakeReporter) Report(r *report.Report) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reports = append(x.reports, r)
}

func (x *fakeReporter) Flush(context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.flushes++
	return nil
}

func (x *fakeReporter) Reports() []*report.Report {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*report.Report(nil), x.reports...)
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func lines(t *testing.T, s string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

type harness struct {
	exception, crash, trace, diag syncBuffer
	reporter                      fakeReporter
	exits                         []int
	barrier                       *Barrier
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{}
	b, err := Install(logsink.Paths{}, append([]Option{
		WithSinks(logsink.NewWriters(&h.exception, &h.crash, &h.trace)),
		WithReporter(&h.reporter),
		WithInstallationID(`install-1`),
		WithVersion(`1.2.3`),
		WithDiagnostics(&h.diag),
		WithExit(func(code int) { h.exits = append(h.exits, code) }),
	}, opts...)...)
	require.NoError(t, err)
	h.barrier = b
	t.Cleanup(func() { _ = b.Close() })
	return h
}

func TestInstall_invalidOptions(t *testing.T) {
	for _, opt := range []Option{WithExit(nil), WithDiagnostics(nil), WithSinks(nil)} {
		b, err := Install(logsink.Paths{}, opt)
		assert.Nil(t, b)
		assert.ErrorIs(t, err, ErrNilOption)
	}
}

func TestInstall_openError(t *testing.T) {
	b, err := Install(logsink.Paths{})
	assert.Nil(t, b)
	assert.ErrorIs(t, err, logsink.ErrEmptyPath)
}

func TestInstall_files(t *testing.T) {
	paths := logsink.DefaultPaths(t.TempDir())
	b, err := Install(paths)
	require.NoError(t, err)
	assert.True(t, b.crashOutput)

	b.HandleRecoverable(errors.New(`observed`))
	b.HandleFatal(errors.New(`fatal`))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	exception, err := os.ReadFile(paths.Exception)
	require.NoError(t, err)
	assert.Contains(t, string(exception), `observed`)
	crash, err := os.ReadFile(paths.Crash)
	require.NoError(t, err)
	assert.Contains(t, string(crash), `fatal`)
	trace, err := os.ReadFile(paths.Trace)
	require.NoError(t, err)
	assert.Contains(t, string(trace), `fault barrier installed`)
}

func TestHandleRecoverable(t *testing.T) {
	h := newHarness(t)
	h.barrier.HandleRecoverable(errors.New(`something odd`))
	h.barrier.HandleRecoverable(nil)

	entries := lines(t, h.exception.String())
	require.Len(t, entries, 1)
	assert.Equal(t, `recoverable fault`, entries[0][`msg`])
	assert.Equal(t, `something odd`, entries[0][`err`])
	assert.Equal(t, report.KindException, entries[0][`kind`])
	assert.NotEmpty(t, entries[0][`time`])

	assert.Empty(t, h.crash.String())
	assert.Empty(t, h.reporter.Reports())
}

func TestHandleRecoverable_crashKindReported(t *testing.T) {
	h := newHarness(t)
	h.barrier.HandleRecoverable(Crash(errors.New(`bad state`)))

	entries := lines(t, h.exception.String())
	require.Len(t, entries, 1)
	assert.Equal(t, report.KindCrash, entries[0][`kind`])

	reports := h.reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, report.KindCrash, reports[0].Kind)
	assert.Equal(t, `bad state`, reports[0].Text)
	// only fatal faults wait for delivery
	assert.Zero(t, h.reporter.flushes)
}

func TestHandleRecoverable_scheduledActionFailure(t *testing.T) {
	h := newHarness(t)

	sched, err := scheduler.New(affinity.Capture(), scheduler.WithFaultHandler(h.barrier))
	require.NoError(t, err)
	sched.EnableScheduling()
	require.NoError(t, sched.Schedule(func() { panic(`action failed`) }))
	n, err := sched.DrainAndRun()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entries := lines(t, h.exception.String())
	require.Len(t, entries, 1)
	assert.EqualValues(t, `1`, fmt.Sprint(entries[0][`action_id`]))
	assert.Contains(t, entries[0][`action`], `TestHandleRecoverable_scheduledActionFailure`)
	assert.Contains(t, entries[0][`stack`], `goroutine`)
	assert.Contains(t, entries[0][`err`], `action failed`)
	assert.Empty(t, h.reporter.Reports())
}

func TestHandleFatal(t *testing.T) {
	h := newHarness(t)
	h.barrier.HandleFatal(errors.New(`device lost`))

	entries := lines(t, h.crash.String())
	require.Len(t, entries, 1)
	assert.Equal(t, `fatal fault`, entries[0][`msg`])
	assert.Equal(t, `device lost`, entries[0][`err`])
	assert.Equal(t, report.KindCrash, entries[0][`kind`])

	reports := h.reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, &report.Report{
		Time:           reports[0].Time,
		Kind:           report.KindCrash,
		InstallationID: `install-1`,
		Version:        `1.2.3`,
		Text:           `device lost`,
	}, reports[0])
	assert.False(t, reports[0].Time.IsZero())
	assert.Equal(t, 1, h.reporter.flushes)
	assert.Empty(t, h.exits)
}

func TestHandleFatal_development(t *testing.T) {
	h := newHarness(t, WithDevelopment(true))
	h.barrier.HandleFatal(errors.New(`device lost`))
	h.barrier.HandleRecoverable(Crash(errors.New(`bad state`)))

	assert.Len(t, lines(t, h.crash.String()), 1)
	assert.Len(t, lines(t, h.exception.String()), 1)
	assert.Empty(t, h.reporter.Reports())
}

func TestHandleFatal_noReporter(t *testing.T) {
	h := newHarness(t, WithReporter(nil))
	assert.NotPanics(t, func() { h.barrier.HandleFatal(errors.New(`x`)) })
	assert.Len(t, lines(t, h.crash.String()), 1)
}

// reentrantWriter calls back into the barrier while the crash log is being
// written.
type reentrantWriter struct {
	barrier func() *Barrier
	calls   int
}

func (x *reentrantWriter) Write(p []byte) (int, error) {
	x.calls++
	x.barrier().HandleFatal(errors.New(`failed writing the crash log`))
	x.barrier().HandleRecoverable(Crash(errors.New(`also failed`)))
	return len(p), nil
}

func TestHandleFatal_reentrantDropped(t *testing.T) {
	var (
		b        *Barrier
		diag     syncBuffer
		reporter fakeReporter
	)
	crash := &reentrantWriter{barrier: func() *Barrier { return b }}
	b, err := Install(logsink.Paths{},
		WithSinks(logsink.NewWriters(nil, crash, nil)),
		WithReporter(&reporter),
		WithDiagnostics(&diag),
		WithExit(func(int) {}),
	)
	require.NoError(t, err)
	defer b.Close()

	b.HandleFatal(errors.New(`original`))

	assert.Equal(t, 1, crash.calls)
	assert.Equal(t, uint64(2), b.Dropped())
	reports := reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, `original`, reports[0].Text)
	assert.Contains(t, diag.String(), `dropped re-entrant fault`)
	assert.Contains(t, diag.String(), `failed writing the crash log`)
	assert.Equal(t, Idle, b.State())

	// the gate is released
	b.HandleFatal(errors.New(`later`))
	assert.Equal(t, 2, crash.calls)
	assert.Len(t, reporter.Reports(), 2)
}

type panicWriter struct{}

func (panicWriter) Write([]byte) (int, error) { panic(`disk on fire`) }

func TestHandleFatal_handlerPanicSwallowed(t *testing.T) {
	var diag syncBuffer
	b, err := Install(logsink.Paths{},
		WithSinks(logsink.NewWriters(panicWriter{}, panicWriter{}, nil)),
		WithDiagnostics(&diag),
	)
	require.NoError(t, err)
	defer b.Close()

	assert.NotPanics(t, func() { b.HandleFatal(errors.New(`a`)) })
	assert.NotPanics(t, func() { b.HandleRecoverable(errors.New(`b`)) })
	assert.Equal(t, Idle, b.State())
}

func TestHandleFatal_reportsWhenCrashLogFails(t *testing.T) {
	var (
		diag     syncBuffer
		reporter fakeReporter
	)
	b, err := Install(logsink.Paths{},
		WithSinks(logsink.NewWriters(nil, panicWriter{}, nil)),
		WithReporter(&reporter),
		WithDiagnostics(&diag),
	)
	require.NoError(t, err)
	defer b.Close()

	b.HandleFatal(errors.New(`boom`))

	reports := reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, report.KindCrash, reports[0].Kind)
	assert.Equal(t, `boom`, reports[0].Text)
	assert.Equal(t, 1, reporter.flushes)
	assert.Contains(t, diag.String(), `fatal fault not logged: disk on fire`)
	assert.Equal(t, Idle, b.State())
}

func TestHandleRecoverable_reportsWhenExceptionLogFails(t *testing.T) {
	var reporter fakeReporter
	b, err := Install(logsink.Paths{},
		WithSinks(logsink.NewWriters(panicWriter{}, nil, nil)),
		WithReporter(&reporter),
		WithDiagnostics(io.Discard),
	)
	require.NoError(t, err)
	defer b.Close()

	b.HandleRecoverable(Crash(errors.New(`boom`)))

	require.Len(t, reporter.Reports(), 1)
}

func TestGate_serializesGoroutines(t *testing.T) {
	h := newHarness(t)
	const n = 32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.barrier.HandleFatal(fmt.Errorf("fault %d", i))
		}()
	}
	wg.Wait()

	assert.Len(t, lines(t, h.crash.String()), n)
	assert.Len(t, h.reporter.Reports(), n)
	assert.Zero(t, h.barrier.Dropped())
	assert.Equal(t, Idle, h.barrier.State())
}

func TestGate_stateWhileHandling(t *testing.T) {
	var (
		b     *Barrier
		state GateState
	)
	w := writerFunc(func(p []byte) (int, error) {
		state = b.State()
		return len(p), nil
	})
	b, err := Install(logsink.Paths{}, WithSinks(logsink.NewWriters(w, nil, nil)))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, Idle, b.State())
	b.HandleRecoverable(errors.New(`x`))
	assert.Equal(t, Handling, state)
	assert.Equal(t, Idle, b.State())
	assert.Equal(t, `handling`, Handling.String())
	assert.Equal(t, `idle`, Idle.String())
	assert.Equal(t, `GateState(7)`, GateState(7).String())
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestRecover(t *testing.T) {
	h := newHarness(t)

	func() {
		defer h.barrier.Recover()
		panic(`update exploded`)
	}()

	assert.Equal(t, []int{ExitCode}, h.exits)
	entries := lines(t, h.crash.String())
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0][`err`], `update exploded`)
	assert.Contains(t, entries[0][`stack`], `TestRecover`)

	reports := h.reporter.Reports()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Text, `faultbarrier: fatal session failure: update exploded`)
	assert.Contains(t, reports[0].Text, `goroutine`)
}

func TestRecover_noPanic(t *testing.T) {
	h := newHarness(t)
	func() {
		defer h.barrier.Recover()
	}()
	assert.Empty(t, h.exits)
	assert.Empty(t, h.crash.String())
}

func TestGo(t *testing.T) {
	exited := make(chan int, 1)
	var crash syncBuffer
	b, err := Install(logsink.Paths{},
		WithSinks(logsink.NewWriters(nil, &crash, nil)),
		WithExit(func(code int) { exited <- code }),
	)
	require.NoError(t, err)
	defer b.Close()

	b.Go(func() { panic(errors.New(`worker failed`)) })

	select {
	case code := <-exited:
		assert.Equal(t, ExitCode, code)
	case <-time.After(10 * time.Second):
		t.Fatal(`timed out`)
	}
	assert.Contains(t, crash.String(), `worker failed`)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, report.KindException, Classify(errors.New(`x`)))
	assert.Equal(t, report.KindCrash, Classify(Crash(errors.New(`x`))))
	assert.Equal(t, report.KindCrash, Classify(fmt.Errorf("wrapped: %w", Crash(errors.New(`x`)))))
	assert.Equal(t, report.KindCrash, Classify(&FatalSessionFailure{Value: `x`}))
	assert.Nil(t, Crash(nil))
}

func TestFatalSessionFailure_Unwrap(t *testing.T) {
	sentinel := errors.New(`sentinel`)
	assert.ErrorIs(t, &FatalSessionFailure{Value: sentinel}, sentinel)
	assert.NoError(t, (&FatalSessionFailure{Value: 42}).Unwrap())
}
