package clipboard

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
)

func newTestSink(primaryErr error, fallback []string, runErr error) (*Sink, *[]string) {
	var ran []string
	s := &Sink{
		primary:  func(string) error { return primaryErr },
		fallback: fallback,
		run: func(_ context.Context, argv []string, stdin string) error {
			ran = append(ran, strings.Join(argv, " ")+"<"+stdin)
			return runErr
		},
	}
	return s, &ran
}

func TestPublishPrimary(t *testing.T) {
	s, ran := newTestSink(nil, []string{"xclip"}, nil)
	if err := s.Publish("Ola"); err != nil {
		t.Fatal(err)
	}
	if len(*ran) != 0 {
		t.Errorf("fallback ran although primary succeeded: %v", *ran)
	}
	if s.Last() != "Ola" {
		t.Errorf("Last() = %q", s.Last())
	}
}

func TestPublishFallback(t *testing.T) {
	s, ran := newTestSink(errors.New("no display"), []string{"xclip", "-selection", "clipboard"}, nil)
	if err := s.Publish("Ola, e tchau"); err != nil {
		t.Fatal(err)
	}
	if len(*ran) != 1 || (*ran)[0] != "xclip -selection clipboard<Ola, e tchau" {
		t.Errorf("unexpected fallback runs: %v", *ran)
	}
	if s.Fallbacks() != 1 || s.Last() != "Ola, e tchau" {
		t.Errorf("fallbacks=%d last=%q", s.Fallbacks(), s.Last())
	}
}

func TestPublishEmptyClears(t *testing.T) {
	var got []string
	s := &Sink{primary: func(text string) error { got = append(got, text); return nil }}
	s.Publish("a")
	s.Publish("")
	if len(got) != 2 || got[1] != "" {
		t.Errorf("writes = %q", got)
	}
}

func TestPublishBothFail(t *testing.T) {
	primary := errors.New("no display")
	fallback := errors.New("exit status 1")
	s, _ := newTestSink(primary, []string{"xclip"}, fallback)
	s.last = "previous"

	err := s.Publish("new")
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if !errors.Is(err, primary) || !errors.Is(err, fallback) {
		t.Errorf("error does not wrap both causes: %v", err)
	}
	if s.Last() != "previous" {
		t.Errorf("failed publish changed Last() to %q", s.Last())
	}
}

func TestPublishNoFallback(t *testing.T) {
	primary := errors.New("no display")
	s, _ := newTestSink(primary, nil, nil)
	err := s.Publish("x")
	if !errors.Is(err, primary) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "no fallback") {
		t.Errorf("message %q", err.Error())
	}
}

func TestNewParsesFallback(t *testing.T) {
	s, err := New(Options{FallbackCommand: `sh -c 'cat > "/tmp/clip board"'`})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"sh", "-c", `cat > "/tmp/clip board"`}
	if strings.Join(s.fallback, "|") != strings.Join(want, "|") {
		t.Errorf("argv = %q, want %q", s.fallback, want)
	}

	s, err = New(Options{FallbackCommand: "none"})
	if err != nil || len(s.fallback) != 0 {
		t.Errorf("none: argv=%q err=%v", s.fallback, err)
	}

	if _, err := New(Options{FallbackCommand: `xclip "unterminated`}); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewDefaultFallback(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.fallback) == 0 || s.fallback[0] != strings.Fields(DefaultFallback())[0] {
		t.Errorf("argv = %q", s.fallback)
	}
}

func TestRunCommandStdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	if err := runCommand(context.Background(), []string{"sh", "-c", `test "$(cat)" = "Ola"`}, "Ola"); err != nil {
		t.Errorf("stdin not delivered: %v", err)
	}
	err := runCommand(context.Background(), []string{"sh", "-c", "echo broken >&2; exit 3"}, "")
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("err = %v, want stderr in message", err)
	}
}
