package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"clipscribe/log"
	"clipscribe/punctuate"
	"clipscribe/transcriber"
)

type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// StopStatus is the outcome of a stop request.
type StopStatus int

const (
	NoneRunning    StopStatus = iota // nothing to stop
	StoppedSession                   // a running session was told to stop
)

func (s StopStatus) String() string {
	if s == StoppedSession {
		return "stopped"
	}
	return "none_running"
}

// Status is a point-in-time view of a session.
type Status struct {
	State     State
	SessionID string
	Device    string
	Engine    string
	StartedAt time.Time
	Segment   string // formatted text as last published
	Partial   string
	Reason    error // why a Stopped session ended; nil for a requested stop
}

type EventType int

const (
	EventStarted EventType = iota
	EventPartial
	EventFinal
	EventPublish
	EventReset
	EventClipboardError
	EventStopped
)

// Event is delivered to Config.OnEvent from the capture loop goroutine.
type Event struct {
	Type      EventType
	SessionID string
	Text      string
	Err       error
}

// FrameSource yields fixed-size frames until closed. *audio.Source
// satisfies it.
type FrameSource interface {
	Read(ctx context.Context) ([]byte, error)
	Close()
	DeviceName() string
	Dropped() uint64
}

// Publisher writes text to the shared sink. *clipboard.Sink satisfies it.
type Publisher interface {
	Publish(text string) error
}

// FrameArchive stores raw captured frames, e.g. *encoder.FLAC.
type FrameArchive interface {
	Write(frame []byte) error
	Close() error
}

// Session is the handle to one capture loop. Obtain it from Controller.Start.
type Session struct {
	id        string
	engine    string
	mode      PauseMode
	threshold time.Duration

	src      FrameSource
	rec      transcriber.Recognizer
	detector activityDetector
	archive  FrameArchive
	sink     Publisher
	metrics  *Metrics
	now      func() time.Time
	onEvent  func(Event)

	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool

	mu     sync.Mutex
	status Status
	stats  log.SessionStats
}

func (s *Session) ID() string { return s.id }

// Stop asks the loop to exit and returns immediately. Only the first call on
// a live session reports StoppedSession.
func (s *Session) Stop() StopStatus {
	select {
	case <-s.done:
		return NoneRunning
	default:
	}
	if !s.stopping.CompareAndSwap(false, true) {
		return NoneRunning
	}
	s.mu.Lock()
	if s.status.State == Running {
		s.status.State = Stopping
	}
	s.mu.Unlock()
	s.cancel()
	return StoppedSession
}

// Done is closed after the loop exited and the device was released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is fully torn down and returns the reason
// it ended, nil for a requested stop.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Reason
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) emit(ev Event) {
	if s.onEvent != nil {
		ev.SessionID = s.id
		s.onEvent(ev)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	start := s.now()
	s.emit(Event{Type: EventStarted, Text: s.Status().Device})
	err := s.loop(ctx)

	// release in reverse order of acquisition, on every exit path
	if cerr := s.rec.Close(); cerr != nil {
		log.Warnf("recognizer close: %v", cerr)
	}
	s.src.Close()
	s.closeArchive()

	if dropped := s.src.Dropped(); dropped > 0 {
		s.metrics.DroppedFrames.Add(float64(dropped))
		log.Warnf("frame_overflow session=%s dropped=%d", s.id, dropped)
	}
	s.metrics.Running.Set(0)
	if err != nil {
		s.metrics.Failures.WithLabelValues(reasonLabel(err)).Inc()
		if pe, ok := err.(*PanicError); ok {
			log.Errorf("capture loop panic: %v\n%s", pe.Value, pe.Stack)
		}
	}

	s.mu.Lock()
	s.status.State = Stopped
	s.status.Reason = err
	s.stats.Duration = s.now().Sub(start)
	if sr, ok := s.rec.(transcriber.StatsReporter); ok {
		rs := sr.Stats()
		s.stats.SentBytes = rs.SentBytes
		s.stats.RecvMessages = rs.RecvMessages
		s.stats.RecvPartials = rs.RecvPartial
	}
	if vd, ok := s.detector.(*vadDetector); ok {
		s.stats.VADWindows, s.stats.VADSpeech = vd.Stats()
	}
	stats := s.stats
	s.mu.Unlock()

	log.SessionEnd(s.id, err, stats)
	s.emit(Event{Type: EventStopped, Err: err})
}

func (s *Session) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	seg := NewSegment(s.now())
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			return
		}
		if err == nil {
			s.flush(seg)
		}
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, rerr := s.src.Read(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &CaptureError{Err: rerr}
		}

		s.archiveFrame(frame)

		now := s.now()
		voiced := s.detector.Active(frame)
		if s.pauseDue(seg, now) {
			seg.Reset()
			s.metrics.Resets.Inc()
			s.mu.Lock()
			s.stats.Resets++
			s.status.Segment = ""
			s.mu.Unlock()
			log.Debugf("segment_reset session=%s", s.id)
			s.emit(Event{Type: EventReset})
			s.publish("")
			seg.Touch(now)
		}
		if voiced {
			seg.Touch(now)
		}

		ev, perr := s.rec.Process(ctx, frame)
		if perr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &RecognitionError{Err: perr}
		}
		s.metrics.Frames.Inc()
		s.mu.Lock()
		s.stats.Frames++
		s.mu.Unlock()

		s.handle(seg, ev, now)
	}
}

const flushTimeout = 5 * time.Second

// flush collects the utterance the engine still holds after a clean stop
// and handles it like any other final.
func (s *Session) flush(seg *Segment) {
	f, ok := s.rec.(transcriber.Flusher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	ev, err := f.Flush(ctx)
	if err != nil {
		log.Warnf("recognizer flush session=%s: %v", s.id, err)
		return
	}
	if ev.Kind == transcriber.Final {
		s.handle(seg, ev, s.now())
	}
}

func (s *Session) archiveFrame(frame []byte) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Write(frame); err != nil {
		log.Warnf("archive write failed session=%s: %v", s.id, err)
		s.closeArchive()
	}
}

func (s *Session) closeArchive() {
	if s.archive == nil {
		return
	}
	if err := s.archive.Close(); err != nil {
		log.Warnf("archive close session=%s: %v", s.id, err)
	}
	s.archive = nil
}

// pauseDue decides whether the segment resets before this frame. In cadence
// mode any gap longer than the threshold resets; in vad mode only a segment
// holding text resets, so long silences publish a single clear.
func (s *Session) pauseDue(seg *Segment, now time.Time) bool {
	if !seg.PauseExpired(now, s.threshold) {
		return false
	}
	return s.mode != PauseVAD || seg.Active()
}

func (s *Session) handle(seg *Segment, ev transcriber.Event, now time.Time) {
	switch ev.Kind {
	case transcriber.Partial:
		s.metrics.Partials.Inc()
		if ev.Text == "" {
			return
		}
		s.mu.Lock()
		s.status.Partial = ev.Text
		s.mu.Unlock()
		log.Debugf("partial session=%s text=%q", s.id, ev.Text)
		s.emit(Event{Type: EventPartial, Text: ev.Text})

	case transcriber.Final:
		if !seg.Append(ev.Text) {
			return
		}
		seg.Touch(now) // a final is speech even when the vad missed it
		s.metrics.Finals.Inc()
		formatted := punctuate.Format(seg.Text())
		s.mu.Lock()
		s.stats.Finals++
		s.status.Partial = ""
		s.status.Segment = formatted
		s.mu.Unlock()
		s.emit(Event{Type: EventFinal, Text: ev.Text})
		log.SegmentText(formatted)
		s.publish(formatted)

	default:
		panic(fmt.Sprintf("unknown transcript event kind %d", ev.Kind))
	}
}

// publish never fails the loop; a failed write leaves the sink stale until
// the next successful one.
func (s *Session) publish(text string) {
	if err := s.sink.Publish(text); err != nil {
		s.metrics.ClipboardErrors.Inc()
		s.mu.Lock()
		s.stats.ClipErrors++
		s.mu.Unlock()
		log.Errorf("clipboard session=%s: %v", s.id, err)
		s.emit(Event{Type: EventClipboardError, Text: text, Err: err})
		return
	}
	s.metrics.Publishes.Inc()
	s.mu.Lock()
	s.stats.Publishes++
	s.mu.Unlock()
	s.emit(Event{Type: EventPublish, Text: text})
}
