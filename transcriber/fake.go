package transcriber

import (
	"context"
	"sync"
)

// FakeEngine replays a fixed script: the n-th processed frame yields the
// n-th event, and frames past the end of the script yield empty partials.
type FakeEngine struct {
	script []Event

	mu     sync.Mutex
	opened int
	closed int

	// FailAt makes Process return Err on that frame (1-based); zero disables.
	FailAt int
	Err    error

	// Trailing is the final text Flush returns, as if the engine still held
	// an uncommitted utterance when the audio ended.
	Trailing string
}

func NewFake(script ...Event) *FakeEngine {
	return &FakeEngine{script: script}
}

func (f *FakeEngine) Name() string { return "fake" }

func (f *FakeEngine) NewRecognizer(context.Context) (Recognizer, error) {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return &fakeRecognizer{engine: f}, nil
}

// Counts reports how many recognizers were opened and closed.
func (f *FakeEngine) Counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

type fakeRecognizer struct {
	engine *FakeEngine
	n      int
	stats  Stats
}

func (r *fakeRecognizer) Process(ctx context.Context, frame []byte) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	r.n++
	r.stats.SentFrames++
	r.stats.SentBytes += uint64(len(frame))
	if r.engine.FailAt > 0 && r.n == r.engine.FailAt {
		return Event{}, r.engine.Err
	}
	if r.n > len(r.engine.script) {
		r.stats.RecvPartial++
		return Event{Kind: Partial}, nil
	}
	ev := r.engine.script[r.n-1]
	if ev.Kind == Final {
		r.stats.RecvFinal++
	} else {
		r.stats.RecvPartial++
	}
	return ev, nil
}

func (r *fakeRecognizer) Flush(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	r.stats.RecvFinal++
	return Event{Kind: Final, Text: r.engine.Trailing}, nil
}

func (r *fakeRecognizer) Stats() Stats { return r.stats }

func (r *fakeRecognizer) Close() error {
	r.engine.mu.Lock()
	r.engine.closed++
	r.engine.mu.Unlock()
	return nil
}
