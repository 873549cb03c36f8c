package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	diagFileName       = "diagnostics_log.txt"
	transcriptFileName = "transcribe_log.txt"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

// Options tune the diagnostics logger. The zero value logs at info level to
// the diagnostics file only.
type Options struct {
	Level   string    // zerolog level name; empty means info
	Console io.Writer // optional second destination, e.g. os.Stderr in headless mode
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: CLIPSCRIBE_LOG_PATH environment variable
	if envPath := os.Getenv("CLIPSCRIBE_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init(opts Options) error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	pid = os.Getpid()

	var err error

	diagFile, err = os.OpenFile(filepath.Join(dir, diagFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptFile, err = os.OpenFile(filepath.Join(dir, transcriptFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		diagFile = nil
		return err
	}

	var out io.Writer = zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	if opts.Console != nil {
		out = zerolog.MultiLevelWriter(out, zerolog.ConsoleWriter{
			Out:        opts.Console,
			TimeFormat: "15:04:05",
		})
	}
	diagLog = zerolog.New(out).Level(level).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Debugf(format string, args ...any) {
	if logReady {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(id, device, engine string, pauseThreshold time.Duration, pauseMode string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("device", device).
		Str("engine", engine).
		Float64("pause_s", pauseThreshold.Seconds()).
		Str("pause_mode", pauseMode).
		Msg("session_start")
}

type SessionStats struct {
	Frames     uint64
	Finals     int
	Resets     int
	Publishes  int
	ClipErrors int
	Duration   time.Duration

	// recognizer traffic, when the engine tracks it
	SentBytes    uint64
	RecvMessages int
	RecvPartials int

	// VAD windows, in vad pause mode only
	VADWindows int
	VADSpeech  int
}

func SessionEnd(id string, reason error, s SessionStats) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if reason != nil {
		ev = diagLog.Error().Str("reason", reason.Error())
	}
	ev.Str("session", id).
		Uint64("frames", s.Frames).
		Int("finals", s.Finals).
		Int("resets", s.Resets).
		Int("publishes", s.Publishes).
		Int("clip_errors", s.ClipErrors).
		Uint64("sent_bytes", s.SentBytes).
		Int("recv_msgs", s.RecvMessages).
		Int("recv_partials", s.RecvPartials).
		Float64("duration_s", s.Duration.Seconds())
	if s.VADWindows > 0 {
		ev = ev.Int("vad_windows", s.VADWindows).Int("vad_speech", s.VADSpeech)
	}
	ev.Msg("session_end")
}

// SegmentText appends a published segment to the transcript log.
func SegmentText(text string) {
	if !logReady || text == "" {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcriptFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcriptFile.WriteString(line)
}
