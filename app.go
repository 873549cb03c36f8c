package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"clipscribe/audio"
	"clipscribe/config"
	"clipscribe/control"
	"clipscribe/encoder"
	"clipscribe/log"
	"clipscribe/session"
	"clipscribe/transcriber"
)

const stopTimeout = 10 * time.Second

// app ties the controller to its front ends: the HTTP API, the TUI and the
// stdin script driver.
type app struct {
	cfg  config.Config
	ctrl *session.Controller
	sink session.Publisher

	mu      sync.Mutex
	program *tea.Program
	watch   chan session.Event // non-nil while a script waits for events

	serveErr chan error
}

func newApp(cfg config.Config, actx audio.Context, engine transcriber.Engine, sink session.Publisher) (*app, error) {
	mode, err := session.ParsePauseMode(cfg.Session.PauseMode)
	if err != nil {
		return nil, err
	}
	capture := audio.DefaultCaptureConfig()
	capture.Gain = cfg.Audio.Gain

	a := &app{cfg: cfg, sink: sink}
	ctrlCfg := session.Config{
		Audio:          actx,
		Capture:        capture,
		Engine:         engine,
		Sink:           sink,
		PauseThreshold: cfg.Session.PauseDuration(),
		PauseMode:      mode,
		OnEvent:        a.onEvent,
	}
	if dir := cfg.Audio.RecordDir; dir != "" {
		ctrlCfg.Archive = func(id string) (session.FrameArchive, error) {
			e, err := encoder.CreateFLAC(filepath.Join(dir, id+".flac"))
			if err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	a.ctrl = session.NewController(ctrlCfg)
	return a, nil
}

func (a *app) startOptions() session.StartOptions {
	opts := session.StartOptions{DeviceName: a.cfg.Audio.Device}
	if a.cfg.Audio.MicIndex >= 0 {
		idx := a.cfg.Audio.MicIndex
		opts.MicIndex = &idx
	}
	return opts
}

// onEvent runs on the capture loop goroutine, so every hand-off is
// non-blocking.
func (a *app) onEvent(ev session.Event) {
	a.mu.Lock()
	p, watch := a.program, a.watch
	a.mu.Unlock()

	if p != nil {
		go p.Send(sessionEventMsg(ev))
	}
	if watch != nil {
		select {
		case watch <- ev:
		default:
		}
	}
}

func (a *app) setProgram(p *tea.Program) {
	a.mu.Lock()
	a.program = p
	a.mu.Unlock()
}

func (a *app) watchEvents() <-chan session.Event {
	ch := make(chan session.Event, 256)
	a.mu.Lock()
	a.watch = ch
	a.mu.Unlock()
	return ch
}

// serve starts the control API in the background when enabled. Listen
// errors surface through waitHeadless.
func (a *app) serve(ctx context.Context) {
	a.serveErr = make(chan error, 1)
	if !a.cfg.HTTP.Enabled {
		return
	}
	srv := control.New(a.cfg.HTTP.Addr(), a.ctrl, a.ctrl.Metrics().Registry)
	go func() {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("%v", err)
			a.serveErr <- err
		}
	}()
}

// waitHeadless blocks until a signal arrives, the control API dies, or
// file input has been fully consumed.
func (a *app) waitHeadless(ctx context.Context, fileDone <-chan struct{}) int {
	code := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown_signal")
	case <-a.serveErr:
		code = 1
	case <-fileDone:
		log.Info("input_exhausted")
	}
	if err := a.stop(); err != nil {
		log.Errorf("%v", err)
		code = 1
	}
	return code
}

// stop ends the running session, waiting for teardown, and reports the
// error it ended with, if any.
func (a *app) stop() error {
	sess := a.ctrl.Current()
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if _, err := a.ctrl.StopWait(ctx); err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	return sess.Wait()
}

func (a *app) close() {
	a.ctrl.Close()
}
