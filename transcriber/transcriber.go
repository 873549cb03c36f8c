package transcriber

import (
	"context"
	"fmt"
	"time"
)

type EventKind int

const (
	Partial EventKind = iota // in-progress guess, never committed
	Final                    // committed text for a finished utterance
)

func (k EventKind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

type Event struct {
	Kind EventKind
	Text string
}

// Recognizer consumes 16 kHz mono S16LE frames for the lifetime of one
// capture session.
type Recognizer interface {
	// Process submits one frame and returns the engine's verdict for it.
	Process(ctx context.Context, frame []byte) (Event, error)
	Close() error
}

// Engine opens a fresh Recognizer per session.
type Engine interface {
	Name() string
	NewRecognizer(ctx context.Context) (Recognizer, error)
}

// Flusher is implemented by recognizers that hold back the utterance in
// progress until told the audio has ended.
type Flusher interface {
	Flush(ctx context.Context) (Event, error)
}

type Stats struct {
	SentFrames   int
	SentBytes    uint64
	RecvMessages int
	RecvFinal    int
	RecvPartial  int
}

// StatsReporter is implemented by recognizers that track traffic counters.
type StatsReporter interface {
	Stats() Stats
}

type Config struct {
	Engine   string // vosk-server, deepgram, fake
	URL      string
	Language string
	Model    string
	APIKey   string
	Timeout  time.Duration
	Script   []string
}

func New(cfg Config) (Engine, error) {
	switch cfg.Engine {
	case "vosk-server", "":
		return NewVoskServer(cfg.URL, cfg.Timeout), nil
	case "deepgram":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("deepgram engine requires an API key (DEEPGRAM_API_KEY)")
		}
		return NewDeepgram(cfg.APIKey, cfg.Model, cfg.Language), nil
	case "fake":
		events := make([]Event, len(cfg.Script))
		for i, line := range cfg.Script {
			events[i] = Event{Kind: Final, Text: line}
		}
		return NewFake(events...), nil
	default:
		return nil, fmt.Errorf("unknown recognizer engine %q", cfg.Engine)
	}
}
