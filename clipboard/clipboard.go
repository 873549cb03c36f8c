package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	cb "github.com/atotto/clipboard"
	"github.com/mattn/go-shellwords"

	"clipscribe/log"
)

const fallbackTimeout = 2 * time.Second

// Error reports that both write paths failed.
type Error struct {
	Primary  error
	Fallback error
}

func (e *Error) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("clipboard write failed: %v (no fallback configured)", e.Primary)
	}
	return fmt.Sprintf("clipboard write failed: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *Error) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

type Options struct {
	// FallbackCommand receives the text on stdin when the primary write
	// fails. Empty selects a platform default; "none" disables it.
	FallbackCommand string
}

// Sink publishes text to the system clipboard.
type Sink struct {
	primary  func(string) error
	fallback []string
	run      func(ctx context.Context, argv []string, stdin string) error

	mu        sync.Mutex
	last      string
	fallbacks int
}

func New(opts Options) (*Sink, error) {
	cmd := opts.FallbackCommand
	if cmd == "" {
		cmd = DefaultFallback()
	}
	var argv []string
	if cmd != "none" {
		args, err := shellwords.NewParser().Parse(cmd)
		if err != nil {
			return nil, fmt.Errorf("parse clipboard fallback %q: %w", cmd, err)
		}
		argv = args
	}
	return &Sink{primary: cb.WriteAll, fallback: argv, run: runCommand}, nil
}

// DefaultFallback names the platform's command-line clipboard writer.
func DefaultFallback() string {
	switch runtime.GOOS {
	case "windows":
		return "clip"
	case "darwin":
		return "pbcopy"
	default:
		if os.Getenv("WAYLAND_DISPLAY") != "" {
			return "wl-copy"
		}
		return "xclip -selection clipboard"
	}
}

// Publish replaces the clipboard contents with text. An empty string clears
// it. When the primary path fails the fallback command is tried; the
// returned *Error carries both causes.
func (s *Sink) Publish(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perr := s.primary(text)
	if perr == nil {
		s.last = text
		return nil
	}
	if len(s.fallback) == 0 {
		return &Error{Primary: perr}
	}

	log.Warnf("clipboard_fallback primary=%v cmd=%s", perr, s.fallback[0])
	ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
	defer cancel()
	if ferr := s.run(ctx, s.fallback, text); ferr != nil {
		return &Error{Primary: perr, Fallback: ferr}
	}
	s.fallbacks++
	s.last = text
	return nil
}

// Last returns the most recently published text.
func (s *Sink) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Fallbacks counts publishes that only succeeded through the fallback.
func (s *Sink) Fallbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbacks
}

// Check reports whether a write path is usable without touching the
// clipboard contents.
func (s *Sink) Check() error {
	if !cb.Unsupported {
		return nil
	}
	if len(s.fallback) == 0 {
		return errors.New("no clipboard utility found and no fallback configured")
	}
	if _, err := exec.LookPath(s.fallback[0]); err != nil {
		return fmt.Errorf("no clipboard utility found; fallback %q: %w", s.fallback[0], err)
	}
	return nil
}

func Read() (string, error) {
	return cb.ReadAll()
}

func runCommand(ctx context.Context, argv []string, stdin string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}
