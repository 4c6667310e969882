package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Write(path string, data []byte) error {
	return m.Called(path, data).Error(0)
}

// waitForDeadline behaves like a strategy that never sees its event.
func waitForDeadline(ctx context.Context, _ ExportRequest) ([]byte, error) {
	<-ctx.Done()
	return nil, timeoutError(ctx, nil)
}

func TestCoordinatorStopsAtFirstMatch(t *testing.T) {
	req := mustRequest(t, "form:export", "form", filepath.Join(t.TempDir(), "out.xlsx"))

	s1 := &mockStrategy{name: SourceDownloadEvent}
	s2 := &mockStrategy{name: SourceFrameworkCallback}
	s3 := &mockStrategy{name: SourceResponseInterception}
	s1.On("Capture", mock.Anything, req).Return(nil, ErrTimedOut).Once()
	s2.On("Capture", mock.Anything, req).Return([]byte("PK\x03\x04"), nil).Once()

	c := NewCoordinator(zaptest.NewLogger(t), NewFileSink(),
		Step{Strategy: s1, Timeout: time.Second},
		Step{Strategy: s2, Timeout: time.Second},
		Step{Strategy: s3, Timeout: time.Second},
	)

	res, err := c.Export(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, SourceFrameworkCallback, res.Source)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, TimedOut, res.Outcomes[0].Kind)
	assert.Equal(t, Matched, res.Outcomes[1].Kind)

	s1.AssertExpectations(t)
	s2.AssertExpectations(t)
	s3.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)

	got, err := os.ReadFile(req.OutputPath())
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), got)

	// Neither strategy fired the trigger, so nothing was triggered.
	assert.Equal(t, []State{
		StateIdle,
		StateObserving, StateObserving,
		StateCaptured, StatePersisted,
	}, res.States())
}

func TestCoordinatorTracesTriggerWhenFired(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "unused.xlsx")
	quiet := funcStrategy{name: SourceDownloadEvent, fn: func(context.Context, ExportRequest) ([]byte, error) {
		return nil, ErrTimedOut
	}}
	firing := funcStrategy{name: SourceFrameworkCallback, fn: func(ctx context.Context, _ ExportRequest) ([]byte, error) {
		notifyFired(ctx)
		notifyFired(ctx)
		return []byte("data"), nil
	}}

	c := NewCoordinator(zap.NewNop(), nil, Step{Strategy: quiet, Timeout: time.Second}, Step{Strategy: firing, Timeout: time.Second})
	res, err := c.Capture(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateIdle,
		StateObserving, StateObserving, StateTriggered,
		StateCaptured,
	}, res.States())
	assert.Equal(t, SourceFrameworkCallback, res.Trace[3].Strategy)
}

func TestCoordinatorDropsTraceFromAbandonedStrategy(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "unused.xlsx")
	release := make(chan struct{})
	finished := make(chan struct{})
	late := funcStrategy{name: SourceDownloadEvent, fn: func(ctx context.Context, _ ExportRequest) ([]byte, error) {
		<-release
		notifyFired(ctx)
		close(finished)
		return nil, nil
	}}

	c := NewCoordinator(zap.NewNop(), nil, Step{Strategy: late, Timeout: 20 * time.Millisecond})
	res, err := c.Capture(context.Background(), req)
	require.Error(t, err)
	close(release)
	<-finished

	assert.Equal(t, []State{StateIdle, StateObserving, StateExhausted}, res.States())
}

func TestCoordinatorEmptyCaptureIsNotSuccess(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "unused.xlsx")
	empty := funcStrategy{name: SourceDownloadEvent, fn: func(context.Context, ExportRequest) ([]byte, error) {
		return []byte{}, nil
	}}
	good := funcStrategy{name: SourceFrameworkCallback, fn: func(context.Context, ExportRequest) ([]byte, error) {
		return []byte("data"), nil
	}}

	c := NewCoordinator(zap.NewNop(), nil, Step{Strategy: empty, Timeout: time.Second}, Step{Strategy: good, Timeout: time.Second})
	res, err := c.Capture(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, Errored, res.Outcomes[0].Kind)
	assert.ErrorIs(t, res.Outcomes[0].Err, ErrEmptyCapture)
	assert.Equal(t, SourceFrameworkCallback, res.Source)
}

func TestCoordinatorTimeoutIsolation(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "unused.xlsx")

	release := make(chan struct{})
	defer close(release)
	stubborn := funcStrategy{name: SourceDownloadEvent, fn: func(context.Context, ExportRequest) ([]byte, error) {
		<-release
		return nil, nil
	}}

	var remaining time.Duration
	measuring := funcStrategy{name: SourceFrameworkCallback, fn: func(ctx context.Context, _ ExportRequest) ([]byte, error) {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		remaining = time.Until(deadline)
		return []byte("ok"), nil
	}}

	core, logs := observer.New(zap.WarnLevel)
	c := NewCoordinator(zap.New(core), nil,
		Step{Strategy: stubborn, Timeout: 30 * time.Millisecond},
		Step{Strategy: measuring, Timeout: 200 * time.Millisecond},
	)

	start := time.Now()
	res, err := c.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "hung strategy must be abandoned")
	assert.Equal(t, TimedOut, res.Outcomes[0].Kind)
	assert.ErrorIs(t, res.Outcomes[0].Err, ErrTimedOut)
	assert.Greater(t, remaining, 150*time.Millisecond, "second strategy must get its own budget")

	abandoned := logs.FilterMessageSnippet("abandoned").All()
	require.Len(t, abandoned, 1)
	assert.Equal(t, string(SourceDownloadEvent), abandoned[0].ContextMap()["strategy"])
}

func TestCoordinatorRecoversPanics(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "unused.xlsx")
	bad := funcStrategy{name: SourceDownloadEvent, fn: func(context.Context, ExportRequest) ([]byte, error) {
		panic("nil target")
	}}
	good := funcStrategy{name: SourceFrameworkCallback, fn: func(context.Context, ExportRequest) ([]byte, error) {
		return []byte("data"), nil
	}}

	c := NewCoordinator(zap.NewNop(), nil, Step{Strategy: bad, Timeout: time.Second}, Step{Strategy: good, Timeout: time.Second})
	res, err := c.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Errored, res.Outcomes[0].Kind)
	assert.Contains(t, res.Outcomes[0].Err.Error(), "nil target")
}

func TestCoordinatorExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	req := mustRequest(t, "form:export", "form", path)

	core, logs := observer.New(zap.WarnLevel)
	c := NewCoordinator(zap.New(core), NewFileSink(),
		Step{Strategy: funcStrategy{name: SourceDownloadEvent, fn: waitForDeadline}, Timeout: 10 * time.Millisecond},
		Step{Strategy: funcStrategy{name: SourceFrameworkCallback, fn: waitForDeadline}, Timeout: 10 * time.Millisecond},
		Step{Strategy: funcStrategy{name: SourceResponseInterception, fn: waitForDeadline}, Timeout: 20 * time.Millisecond},
	)

	res, err := c.Export(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, req.ID(), exhausted.RequestID)
	require.Len(t, exhausted.Outcomes, 3)
	for _, o := range exhausted.Outcomes {
		assert.Equal(t, TimedOut, o.Kind, o.Strategy)
	}
	assert.False(t, res.Success())
	assert.Equal(t, StateExhausted, res.States()[len(res.Trace)-1])

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "nothing may be written on exhaustion")

	assert.Equal(t, 3, logs.FilterMessage("Strategy failed.").Len())
	assert.Equal(t, 1, logs.FilterMessage("All capture strategies failed.").Len())
}

func TestCoordinatorCallerCancellation(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "unused.xlsx")
	ctx, cancel := context.WithCancel(context.Background())

	first := funcStrategy{name: SourceDownloadEvent, fn: func(ctx context.Context, r ExportRequest) ([]byte, error) {
		cancel()
		return waitForDeadline(ctx, r)
	}}
	second := &mockStrategy{name: SourceFrameworkCallback}

	c := NewCoordinator(zap.NewNop(), nil, Step{Strategy: first, Timeout: time.Second}, Step{Strategy: second, Timeout: time.Second})
	_, err := c.Capture(ctx, req)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.Canceled)
	second.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestCoordinatorPersistFailure(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "/readonly/out.xlsx")
	sink := &mockSink{}
	sink.On("Write", "/readonly/out.xlsx", []byte("data")).
		Return(&IOError{Path: "/readonly/out.xlsx", Err: os.ErrPermission}).Once()

	good := funcStrategy{name: SourceDownloadEvent, fn: func(context.Context, ExportRequest) ([]byte, error) {
		return []byte("data"), nil
	}}
	c := NewCoordinator(zap.NewNop(), sink, Step{Strategy: good, Timeout: time.Second})

	res, err := c.Export(context.Background(), req)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.False(t, res.Success())
	assert.Equal(t, StatePersistFailed, res.States()[len(res.Trace)-1])
	sink.AssertExpectations(t)
}

func TestCoordinatorSerializesRequests(t *testing.T) {
	var active, peak int32
	slow := funcStrategy{name: SourceDownloadEvent, fn: func(context.Context, ExportRequest) ([]byte, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return []byte("data"), nil
	}}
	c := NewCoordinator(zap.NewNop(), nil, Step{Strategy: slow, Timeout: time.Second})

	req := mustRequest(t, "form:export", "form", "unused.xlsx")
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Capture(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

// TestPortalCoordinatorInterceptsLateResponse plays the usual failure of the
// portal at a compressed time scale: the click yields no download, the RPC
// yields no download, and the file only shows up Base64-encoded in an AJAX
// response after the action is re-fired.
func TestPortalCoordinatorInterceptsLateResponse(t *testing.T) {
	payload := randomBytes(t, 4096)
	encoded := base64.StdEncoding.EncodeToString(payload)
	body := `<partial-response><changes><update id="form"><![CDATA[<a href="` +
		string(SignatureFor(MIMESpreadsheetML)) + wrapLines(encoded, 76, "\n") +
		`">x</a>]]></update></changes></partial-response>`

	portal := newFakePortal()
	var clicks int32
	portal.onActivate = func(loc Locator) error {
		if loc.Kind != ByCSS {
			return ErrElementNotFound
		}
		// The first click is the download strategy; the second is the re-fire.
		if atomic.AddInt32(&clicks, 1) == 2 {
			time.AfterFunc(100*time.Millisecond, func() {
				portal.responses.Publish(Response{URL: "/bookings.xhtml", Status: 200, MimeType: "text/xml", Body: []byte(body)})
			})
		}
		return nil
	}

	path := filepath.Join(t.TempDir(), "BOOKINGS_20240101_120000.xlsx")
	req := mustRequest(t, "search-form:exportExcel", "search-form", path)

	timeouts := Timeouts{Download: 150 * time.Millisecond, Callback: 150 * time.Millisecond, Interception: 600 * time.Millisecond}
	c := NewPortalCoordinator(portal, NewFileSink(), timeouts, nil, zaptest.NewLogger(t))

	res, err := c.Export(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, SourceResponseInterception, res.Source)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, TimedOut, res.Outcomes[0].Kind)
	assert.Equal(t, TimedOut, res.Outcomes[1].Kind)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got, len(payload))
	assert.Equal(t, payload, got)

	assert.Equal(t, 1, portal.invocationCount())
	assert.Equal(t, 0, portal.downloads.Len())
	assert.Equal(t, 0, portal.responses.Len())

	var observed []string
	for _, tr := range res.Trace {
		if tr.State == StateObserving {
			observed = append(observed, string(tr.Strategy))
		}
	}
	assert.Equal(t, "download_event,framework_callback,response_interception", strings.Join(observed, ","))

	// The download strategy's click is the first dispatch of the export.
	states := res.States()
	require.Contains(t, states, StateTriggered)
	for i, tr := range res.Trace {
		if tr.State == StateTriggered {
			assert.Equal(t, SourceDownloadEvent, tr.Strategy)
			assert.Equal(t, StateObserving, states[i-1])
			break
		}
	}
}

func TestExhaustedErrorMessage(t *testing.T) {
	err := &ExhaustedError{RequestID: "r1", Outcomes: []StrategyOutcome{
		{Strategy: SourceDownloadEvent, Kind: TimedOut, Err: ErrTimedOut},
		{Strategy: SourceFrameworkCallback, Kind: Errored, Err: errors.New("rpc refused")},
	}}
	assert.Equal(t,
		"all capture strategies failed after 2 strategies: download_event=timed_out (strategy timed out); framework_callback=errored (rpc refused)",
		err.Error())
}
