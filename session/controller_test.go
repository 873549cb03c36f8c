package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"clipscribe/audio"
	"clipscribe/transcriber"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// chanSource hands out frames pushed by the test. The loop coming back for
// the next frame acknowledges the previous one, which means it was fully
// handled.
type chanSource struct {
	frames  chan []byte
	errs    chan error
	acks    chan struct{}
	pending bool // touched only by the loop goroutine
	closed  atomic.Int32
}

func newChanSource() *chanSource {
	return &chanSource{
		frames: make(chan []byte),
		errs:   make(chan error, 1),
		acks:   make(chan struct{}, 1),
	}
}

func (s *chanSource) Read(ctx context.Context) ([]byte, error) {
	if s.pending {
		s.pending = false
		select {
		case s.acks <- struct{}{}:
		default:
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-s.frames:
		s.pending = true
		return f, nil
	case err := <-s.errs:
		return nil, err
	}
}

func (s *chanSource) Close()             { s.closed.Add(1) }
func (s *chanSource) DeviceName() string { return "test mic" }
func (s *chanSource) Dropped() uint64    { return 0 }

type recordSink struct {
	mu       sync.Mutex
	texts    []string
	attempts int
	fail     error
}

func (r *recordSink) Publish(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.fail != nil {
		return r.fail
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordSink) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type stubAudio struct{ devices []audio.DeviceInfo }

func (s *stubAudio) Devices() ([]audio.DeviceInfo, error) { return s.devices, nil }
func (s *stubAudio) Close()                               {}
func (s *stubAudio) NewCapture(*audio.DeviceInfo, audio.CaptureConfig) (audio.CaptureDevice, error) {
	return nil, errors.New("not used")
}

type harness struct {
	t      *testing.T
	ctrl   *Controller
	clock  *manualClock
	sink   *recordSink
	engine *transcriber.FakeEngine

	mu        sync.Mutex
	sources   []*chanSource
	openedDev []*audio.DeviceInfo
	overlap   bool
	openErr   error
	events    chan Event
}

func newHarness(t *testing.T, engine transcriber.Engine, mode PauseMode) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  &manualClock{t: time.Unix(1_700_000_000, 0)},
		sink:   &recordSink{},
		events: make(chan Event, 256),
	}
	if fe, ok := engine.(*transcriber.FakeEngine); ok {
		h.engine = fe
	}
	h.ctrl = NewController(Config{
		Audio:          &stubAudio{devices: []audio.DeviceInfo{{ID: "0", Name: "Mic A"}, {ID: "1", Name: "Mic B"}}},
		Engine:         engine,
		Sink:           h.sink,
		PauseThreshold: 10 * time.Second,
		PauseMode:      mode,
		Now:            h.clock.Now,
		OnEvent:        func(ev Event) { h.events <- ev },
		OpenSource: func(_ audio.Context, d *audio.DeviceInfo, _ audio.CaptureConfig) (FrameSource, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.openErr != nil {
				return nil, h.openErr
			}
			for _, s := range h.sources {
				if s.closed.Load() == 0 {
					h.overlap = true
				}
			}
			src := newChanSource()
			h.sources = append(h.sources, src)
			h.openedDev = append(h.openedDev, d)
			return src, nil
		},
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) start(opts StartOptions) *Session {
	h.t.Helper()
	s, err := h.ctrl.Start(context.Background(), opts)
	if err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	return s
}

func (h *harness) source(i int) *chanSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sources[i]
}

// push hands one frame to the loop and returns once it was handled.
func (h *harness) push(i int) {
	h.t.Helper()
	h.pushNoWait(i)
	select {
	case <-h.source(i).acks:
	case <-time.After(2 * time.Second):
		h.t.Fatal("loop did not come back for the next frame")
	}
}

// pushNoWait is for frames expected to end the loop.
func (h *harness) pushNoWait(i int) {
	h.t.Helper()
	select {
	case h.source(i).frames <- make([]byte, audio.FrameBytes):
	case <-time.After(2 * time.Second):
		h.t.Fatal("loop is not reading frames")
	}
}

func (h *harness) wait(s *Session) error {
	h.t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not terminate")
	}
	return s.Wait()
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func final(text string) transcriber.Event {
	return transcriber.Event{Kind: transcriber.Final, Text: text}
}

func partial(text string) transcriber.Event {
	return transcriber.Event{Kind: transcriber.Partial, Text: text}
}

func TestAccumulatesFinals(t *testing.T) {
	engine := transcriber.NewFake(
		final("ola"),
		partial("e com"),
		final("e como voce esta"),
		final(""),
		final("mas tudo bem"),
	)
	h := newHarness(t, engine, PauseCadence)
	s := h.start(StartOptions{})

	for i := 0; i < 6; i++ {
		h.push(0)
	}

	want := []string{
		"Ola",
		"Ola, e como voce esta",
		"Ola, e como voce esta, mas tudo bem",
	}
	if got := h.sink.got(); !equalStrings(got, want) {
		t.Errorf("published %q, want %q", got, want)
	}
	st := s.Status()
	if st.State != Running || st.Segment != want[2] || st.Device != "test mic" {
		t.Errorf("unexpected status %+v", st)
	}
	m := h.ctrl.Metrics()
	if got := testutil.ToFloat64(m.Finals); got != 3 {
		t.Errorf("finals metric = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Frames); got != 6 {
		t.Errorf("frames metric = %v, want 6", got)
	}
}

func TestPauseResetsSegment(t *testing.T) {
	engine := transcriber.NewFake(
		final("ola"),
		final("tudo bem"),
		final("sim"),
	)
	h := newHarness(t, engine, PauseCadence)
	h.start(StartOptions{})

	h.push(0) // "ola"
	h.clock.Advance(11 * time.Second)
	h.push(0) // reset, then "tudo bem"
	h.clock.Advance(10 * time.Second)
	h.push(0) // exactly at threshold: no reset, "sim" appended
	h.push(0)

	want := []string{"Ola", "", "Tudo bem", "Tudo bem sim"}
	if got := h.sink.got(); !equalStrings(got, want) {
		t.Errorf("published %q, want %q", got, want)
	}
	if got := testutil.ToFloat64(h.ctrl.Metrics().Resets); got != 1 {
		t.Errorf("resets = %v, want 1", got)
	}
}

func TestPartialsAreNeverPublished(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(partial("ol"), partial("ola")), PauseCadence)
	s := h.start(StartOptions{})
	h.push(0)
	h.push(0)
	h.push(0)

	if got := h.sink.got(); len(got) != 0 {
		t.Errorf("partials published: %q", got)
	}
	if got := s.Status().Partial; got != "ola" {
		t.Errorf("Partial = %q", got)
	}
}

func TestPerSessionPauseThreshold(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(final("a"), final("b")), PauseCadence)
	h.start(StartOptions{PauseThreshold: 2 * time.Second})
	h.push(0)
	h.clock.Advance(3 * time.Second)
	h.push(0)
	h.push(0)

	want := []string{"A", "", "B"}
	if got := h.sink.got(); !equalStrings(got, want) {
		t.Errorf("published %q, want %q", got, want)
	}
}

func TestVADModeResetsOnce(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(final("ola")), PauseVAD)
	h.start(StartOptions{})

	h.push(0) // silence frame, but the final counts as activity
	h.clock.Advance(11 * time.Second)
	h.push(0) // silent gap on an active segment: reset
	h.clock.Advance(11 * time.Second)
	h.push(0) // still silent, segment already inactive: nothing
	h.push(0)

	want := []string{"Ola", ""}
	if got := h.sink.got(); !equalStrings(got, want) {
		t.Errorf("published %q, want %q", got, want)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)

	if got := h.ctrl.Stop(); got != NoneRunning {
		t.Errorf("Stop with no session = %v", got)
	}
	if st := h.ctrl.Status(); st.State != Idle {
		t.Errorf("initial state = %v", st.State)
	}

	s := h.start(StartOptions{})
	if got := h.ctrl.Stop(); got != StoppedSession {
		t.Errorf("first Stop = %v, want StoppedSession", got)
	}
	if got := s.Stop(); got != NoneRunning {
		t.Errorf("second Stop = %v, want NoneRunning", got)
	}
	if err := h.wait(s); err != nil {
		t.Errorf("Wait = %v, want nil for requested stop", err)
	}
	if got := h.ctrl.Stop(); got != NoneRunning {
		t.Errorf("Stop after exit = %v", got)
	}
	st := h.ctrl.Status()
	if st.State != Stopped || st.Reason != nil {
		t.Errorf("status = %+v", st)
	}
	if h.source(0).closed.Load() != 1 {
		t.Error("source not released")
	}
	if opened, closed := h.engine.Counts(); opened != 1 || closed != 1 {
		t.Errorf("recognizer opened=%d closed=%d", opened, closed)
	}
}

func TestStopWait(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)
	h.start(StartOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.ctrl.StopWait(ctx)
	if err != nil || st != StoppedSession {
		t.Fatalf("StopWait = %v, %v", st, err)
	}
	if h.ctrl.Status().State != Stopped {
		t.Errorf("state = %v after StopWait", h.ctrl.Status().State)
	}
}

func TestClipboardFailureKeepsRunning(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(final("a"), final("b")), PauseCadence)
	h.sink.fail = errors.New("clipboard unavailable")
	s := h.start(StartOptions{})

	h.push(0)
	h.push(0)
	h.push(0)

	if st := s.Status(); st.State != Running || st.Segment != "A b" {
		t.Errorf("status = %+v", st)
	}
	if got := testutil.ToFloat64(h.ctrl.Metrics().ClipboardErrors); got != 2 {
		t.Errorf("clipboard errors = %v, want 2", got)
	}

	var sawErr bool
	for len(h.events) > 0 {
		if ev := <-h.events; ev.Type == EventClipboardError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("no clipboard error event")
	}
}

func TestRecognitionErrorStopsSession(t *testing.T) {
	boom := errors.New("engine gone")
	engine := transcriber.NewFake(final("a"))
	engine.FailAt = 2
	engine.Err = boom

	h := newHarness(t, engine, PauseCadence)
	s := h.start(StartOptions{})
	h.push(0)
	h.pushNoWait(0)

	err := h.wait(s)
	var rerr *RecognitionError
	if !errors.As(err, &rerr) || !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want RecognitionError wrapping boom", err)
	}
	st := h.ctrl.Status()
	if st.State != Stopped || !errors.Is(st.Reason, boom) {
		t.Errorf("status = %+v", st)
	}
	if h.source(0).closed.Load() != 1 {
		t.Error("source not released after failure")
	}
	if got := testutil.ToFloat64(h.ctrl.Metrics().Failures.WithLabelValues("recognition")); got != 1 {
		t.Errorf("failures{recognition} = %v", got)
	}
	if got := testutil.ToFloat64(h.ctrl.Metrics().Running); got != 0 {
		t.Errorf("running gauge = %v", got)
	}
}

func TestCaptureErrorStopsSession(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)
	s := h.start(StartOptions{})
	h.source(0).errs <- errors.New("device unplugged")

	var cerr *CaptureError
	if err := h.wait(s); !errors.As(err, &cerr) {
		t.Fatalf("Wait = %v, want CaptureError", err)
	}
}

type panicEngine struct{}

func (panicEngine) Name() string { return "panic" }
func (panicEngine) NewRecognizer(context.Context) (transcriber.Recognizer, error) {
	return panicRecognizer{}, nil
}

type panicRecognizer struct{}

func (panicRecognizer) Process(context.Context, []byte) (transcriber.Event, error) {
	panic("decoder state corrupted")
}
func (panicRecognizer) Close() error { return nil }

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, panicEngine{}, PauseCadence)
	s := h.start(StartOptions{})
	h.pushNoWait(0)

	var perr *PanicError
	if err := h.wait(s); !errors.As(err, &perr) {
		t.Fatalf("Wait = %v, want PanicError", err)
	}
	if perr.Value != "decoder state corrupted" || len(perr.Stack) == 0 {
		t.Errorf("unexpected panic error %+v", perr)
	}
	if h.source(0).closed.Load() != 1 {
		t.Error("source not released after panic")
	}
}

func TestStopInterruptsBlockingRead(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)
	s := h.start(StartOptions{})
	s.Stop()
	if err := h.wait(s); err != nil {
		t.Errorf("Wait = %v", err)
	}
}

func TestRestartReleasesPreviousDevice(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)

	first := h.start(StartOptions{})
	second := h.start(StartOptions{})
	h.ctrl.Stop()
	h.wait(second)
	third := h.start(StartOptions{})

	if h.overlap {
		t.Error("a device was opened while another was still held")
	}
	select {
	case <-first.Done():
	default:
		t.Error("first session still running after restart")
	}
	if first.ID() == second.ID() || second.ID() == third.ID() {
		t.Error("session ids are not unique")
	}
	if h.ctrl.Current() != third {
		t.Error("controller does not track the latest session")
	}
}

func TestStartSelectsDevice(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)

	idx := 1
	h.start(StartOptions{MicIndex: &idx})
	h.start(StartOptions{DeviceName: "Mic A"})
	h.start(StartOptions{})

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openedDev[0] == nil || h.openedDev[0].Name != "Mic B" {
		t.Errorf("mic index 1 opened %+v", h.openedDev[0])
	}
	if h.openedDev[1] == nil || h.openedDev[1].Name != "Mic A" {
		t.Errorf("device name opened %+v", h.openedDev[1])
	}
	if h.openedDev[2] != nil {
		t.Errorf("default start opened %+v", h.openedDev[2])
	}
}

func TestStartDeviceErrors(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)

	idx := 7
	_, err := h.ctrl.Start(context.Background(), StartOptions{MicIndex: &idx})
	var derr *DeviceOpenError
	if !errors.As(err, &derr) || !errors.Is(err, audio.ErrNoSuchDevice) {
		t.Fatalf("err = %v, want DeviceOpenError wrapping ErrNoSuchDevice", err)
	}

	h.openErr = errors.New("device busy")
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); !errors.As(err, &derr) {
		t.Fatalf("err = %v, want DeviceOpenError", err)
	}
	if opened, _ := h.engine.Counts(); opened != 0 {
		t.Error("recognizer opened although the device failed")
	}
	if st := h.ctrl.Status(); st.State != Idle {
		t.Errorf("state = %v after failed starts", st.State)
	}
}

type failingEngine struct{}

func (failingEngine) Name() string { return "failing" }
func (failingEngine) NewRecognizer(context.Context) (transcriber.Recognizer, error) {
	return nil, errors.New("connection refused")
}

func TestStartRecognizerFailureReleasesDevice(t *testing.T) {
	h := newHarness(t, failingEngine{}, PauseCadence)
	_, err := h.ctrl.Start(context.Background(), StartOptions{})
	var rerr *RecognitionError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RecognitionError", err)
	}
	if h.source(0).closed.Load() != 1 {
		t.Error("device not released after recognizer failure")
	}
}

func TestStoppedEventDelivered(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)
	s := h.start(StartOptions{})
	s.Stop()
	h.wait(s)

	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventStopped {
				if ev.SessionID != s.ID() {
					t.Errorf("event for session %q", ev.SessionID)
				}
				return
			}
		default:
			t.Fatal("no stopped event")
		}
	}
}

func TestStartRejectsNegativeThreshold(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)
	if _, err := h.ctrl.Start(context.Background(), StartOptions{PauseThreshold: -time.Second}); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("err = %v, want ErrInvalidThreshold", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sources) != 0 {
		t.Error("device opened for an invalid request")
	}
}

func TestCleanStopPublishesTrailingUtterance(t *testing.T) {
	engine := transcriber.NewFake(final("ola"))
	engine.Trailing = "e tchau"
	h := newHarness(t, engine, PauseCadence)
	s := h.start(StartOptions{})

	h.push(0)
	s.Stop()
	if err := h.wait(s); err != nil {
		t.Fatal(err)
	}

	want := []string{"Ola", "Ola, e tchau"}
	if got := h.sink.got(); !equalStrings(got, want) {
		t.Errorf("published %q, want %q", got, want)
	}
}

func TestFailedSessionSkipsTrailingUtterance(t *testing.T) {
	engine := transcriber.NewFake()
	engine.FailAt = 1
	engine.Err = errors.New("server went away")
	engine.Trailing = "lost"
	h := newHarness(t, engine, PauseCadence)
	s := h.start(StartOptions{})

	h.pushNoWait(0)
	if err := h.wait(s); err == nil {
		t.Fatal("expected a recognition error")
	}
	if got := h.sink.got(); len(got) != 0 {
		t.Errorf("published %q after a failure", got)
	}
}

func TestInvalidStartKeepsRunningSession(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)
	first := h.start(StartOptions{})

	for _, opts := range []StartOptions{
		{PauseThreshold: -time.Second},
		{PauseMode: PauseMode("bogus")},
	} {
		if _, err := h.ctrl.Start(context.Background(), opts); err == nil {
			t.Fatalf("Start(%+v) succeeded", opts)
		}
	}

	select {
	case <-first.Done():
		t.Fatal("a rejected start stopped the running session")
	default:
	}
	if h.ctrl.Current() != first {
		t.Error("controller no longer tracks the running session")
	}
}

type memArchive struct {
	mu     sync.Mutex
	frames int
	fail   error
	closed int
}

func (a *memArchive) Write([]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.frames++
	return nil
}

func (a *memArchive) Close() error {
	a.mu.Lock()
	a.closed++
	a.mu.Unlock()
	return nil
}

func TestArchiveReceivesFrames(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(), PauseCadence)
	arc := &memArchive{}
	var gotID string
	h.ctrl.cfg.Archive = func(id string) (FrameArchive, error) {
		gotID = id
		return arc, nil
	}
	s := h.start(StartOptions{})
	h.push(0)
	h.push(0)
	h.push(0)
	s.Stop()
	h.wait(s)

	if gotID != s.ID() {
		t.Errorf("archive opened for %q, want %q", gotID, s.ID())
	}
	if arc.frames != 3 || arc.closed != 1 {
		t.Errorf("archive frames=%d closed=%d", arc.frames, arc.closed)
	}
}

func TestArchiveFailureDoesNotStopSession(t *testing.T) {
	h := newHarness(t, transcriber.NewFake(final("ola")), PauseCadence)
	arc := &memArchive{fail: errors.New("disk full")}
	h.ctrl.cfg.Archive = func(string) (FrameArchive, error) { return arc, nil }
	s := h.start(StartOptions{})
	h.push(0)
	h.push(0)

	if st := s.Status(); st.State != Running || st.Segment != "Ola" {
		t.Fatalf("unexpected status %+v", st)
	}
	if arc.closed != 1 {
		t.Errorf("failed archive closed %d times, want 1", arc.closed)
	}

	h.ctrl.cfg.Archive = func(string) (FrameArchive, error) { return nil, errors.New("read-only fs") }
	s2 := h.start(StartOptions{})
	h.push(1)
	if st := s2.Status(); st.State != Running {
		t.Fatalf("session without archive not running: %+v", st)
	}
}
