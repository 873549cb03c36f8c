package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipscribe/audio"
	"clipscribe/log"
	"clipscribe/transcriber"
)

type Config struct {
	Audio   audio.Context
	Capture audio.CaptureConfig
	Engine  transcriber.Engine
	Sink    Publisher

	// Defaults for StartOptions fields left zero.
	PauseThreshold time.Duration
	PauseMode      PauseMode

	Metrics *Metrics         // nil creates a private set
	Now     func() time.Time // nil means time.Now
	OnEvent func(Event)      // called from the loop goroutine; must not block

	// Archive, when set, opens a per-session sink that receives every
	// captured frame. Failures disable archiving for that session only.
	Archive func(sessionID string) (FrameArchive, error)

	// OpenSource overrides how frames are obtained; nil uses audio.OpenSource.
	OpenSource func(actx audio.Context, device *audio.DeviceInfo, cfg audio.CaptureConfig) (FrameSource, error)
}

type StartOptions struct {
	MicIndex       *int          // nil selects by DeviceName or the system default
	DeviceName     string        // exact device name; ignored when MicIndex is set
	PauseThreshold time.Duration // zero uses Config.PauseThreshold
	PauseMode      PauseMode
}

// Controller owns at most one running session at a time.
type Controller struct {
	cfg Config

	startMu sync.Mutex // serializes Start so teardown and reopen do not interleave

	mu      sync.Mutex
	current *Session
}

func NewController(cfg Config) *Controller {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = 10 * time.Second
	}
	if cfg.PauseMode == "" {
		cfg.PauseMode = PauseCadence
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture = audio.DefaultCaptureConfig()
	}
	if cfg.OpenSource == nil {
		cfg.OpenSource = func(actx audio.Context, d *audio.DeviceInfo, c audio.CaptureConfig) (FrameSource, error) {
			return audio.OpenSource(actx, d, c)
		}
	}
	return &Controller{cfg: cfg}
}

func (c *Controller) Metrics() *Metrics { return c.cfg.Metrics }

// Start validates opts, stops any running session and waits for its device
// to be released, then opens the requested device and launches a new capture
// loop. It returns once the device is open; the loop runs in the background.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if opts.PauseThreshold < 0 {
		return nil, ErrInvalidThreshold
	}
	threshold := opts.PauseThreshold
	if threshold == 0 {
		threshold = c.cfg.PauseThreshold
	}
	mode := opts.PauseMode
	if mode == "" {
		mode = c.cfg.PauseMode
	}
	if _, err := ParsePauseMode(string(mode)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
		prev.Wait()
	}

	device, label, err := c.resolveDevice(opts)
	if err != nil {
		return nil, &DeviceOpenError{Device: label, Err: err}
	}

	src, err := c.cfg.OpenSource(c.cfg.Audio, device, c.cfg.Capture)
	if err != nil {
		return nil, &DeviceOpenError{Device: label, Err: err}
	}

	rec, err := c.cfg.Engine.NewRecognizer(ctx)
	if err != nil {
		src.Close()
		return nil, &RecognitionError{Err: err}
	}

	detector, err := newDetector(mode)
	if err != nil {
		rec.Close()
		src.Close()
		return nil, err
	}

	id := uuid.NewString()
	var archive FrameArchive
	if c.cfg.Archive != nil {
		if archive, err = c.cfg.Archive(id); err != nil {
			log.Warnf("archive disabled session=%s: %v", id, err)
			archive = nil
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		engine:    c.cfg.Engine.Name(),
		mode:      mode,
		threshold: threshold,
		src:       src,
		rec:       rec,
		detector:  detector,
		archive:   archive,
		sink:      c.cfg.Sink,
		metrics:   c.cfg.Metrics,
		now:       c.cfg.Now,
		onEvent:   c.cfg.OnEvent,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.status = Status{
		State:     Running,
		SessionID: s.id,
		Device:    src.DeviceName(),
		Engine:    s.engine,
		StartedAt: c.cfg.Now(),
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	c.cfg.Metrics.Sessions.Inc()
	c.cfg.Metrics.Running.Set(1)
	log.SessionStart(s.id, s.status.Device, s.engine, threshold, string(mode))

	go s.run(loopCtx)
	return s, nil
}

func (c *Controller) resolveDevice(opts StartOptions) (*audio.DeviceInfo, string, error) {
	switch {
	case opts.MicIndex != nil:
		label := fmt.Sprintf("#%d", *opts.MicIndex)
		d, err := audio.DeviceByIndex(c.cfg.Audio, *opts.MicIndex)
		return d, label, err
	case opts.DeviceName != "":
		d, err := audio.DeviceByName(c.cfg.Audio, opts.DeviceName)
		return d, fmt.Sprintf("%q", opts.DeviceName), err
	default:
		return nil, "system default", nil
	}
}

// Stop signals the current session and returns without waiting.
func (c *Controller) Stop() StopStatus {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return NoneRunning
	}
	return s.Stop()
}

// StopWait stops the current session and waits for teardown or ctx.
func (c *Controller) StopWait(ctx context.Context) (StopStatus, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return NoneRunning, nil
	}
	st := s.Stop()
	select {
	case <-s.Done():
		return st, nil
	case <-ctx.Done():
		return st, ctx.Err()
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return Status{State: Idle}
	}
	return s.Status()
}

// Current returns the most recent session, running or not.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) Devices() ([]audio.IndexedDevice, error) {
	if c.cfg.Audio == nil {
		return nil, errors.New("no audio context")
	}
	return audio.ListInputDevices(c.cfg.Audio)
}

// Close stops any session and waits for it to release the device.
func (c *Controller) Close() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s != nil {
		s.Stop()
		s.Wait()
	}
}
