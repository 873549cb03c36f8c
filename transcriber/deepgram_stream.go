package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

const deepgramStreamURL = "wss://api.deepgram.com/v1/listen"

// Deepgram streams frames to the Deepgram live API. Results arrive
// asynchronously, so Process reports whatever has come back since the
// previous frame.
type Deepgram struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

func NewDeepgram(apiKey, model, language string) *Deepgram {
	if model == "" {
		model = "nova-3"
	}
	return &Deepgram{apiKey: apiKey, model: model, language: language, endpoint: deepgramStreamURL}
}

func (d *Deepgram) Name() string { return "deepgram" }

type deepgramStreamResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type streamUpdate struct {
	Transcript string
	IsFinal    bool
}

func (d *Deepgram) NewRecognizer(ctx context.Context) (Recognizer, error) {
	endpoint, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, err
	}

	q := endpoint.Query()
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	if d.language != "" {
		q.Set("language", d.language)
	}
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	streamCtx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	r := &deepgramRecognizer{
		conn:     conn,
		ctx:      streamCtx,
		cancel:   cancel,
		updates:  make(chan streamUpdate, 256),
		recvDone: make(chan struct{}),
	}
	go r.runReceiver()
	return r, nil
}

type deepgramRecognizer struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	updates  chan streamUpdate
	recvDone chan struct{}

	mu      sync.Mutex
	recvErr error
	stats   Stats
}

func (r *deepgramRecognizer) runReceiver() {
	defer close(r.recvDone)
	for {
		_, data, err := r.conn.Read(r.ctx)
		if err != nil {
			r.mu.Lock()
			if r.ctx.Err() == nil {
				r.recvErr = err
			}
			r.mu.Unlock()
			return
		}

		var resp deepgramStreamResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			r.mu.Lock()
			r.recvErr = fmt.Errorf("deepgram response parse error: %w", err)
			r.mu.Unlock()
			return
		}
		r.mu.Lock()
		r.stats.RecvMessages++
		r.mu.Unlock()

		if resp.Type != "" && resp.Type != "Results" {
			continue // Metadata, SpeechStarted, UtteranceEnd
		}
		transcript := ""
		if len(resp.Channel.Alternatives) > 0 {
			transcript = resp.Channel.Alternatives[0].Transcript
		}
		select {
		case r.updates <- streamUpdate{Transcript: strings.TrimSpace(transcript), IsFinal: resp.IsFinal}:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *deepgramRecognizer) Process(ctx context.Context, frame []byte) (Event, error) {
	r.mu.Lock()
	err := r.recvErr
	r.mu.Unlock()
	if err != nil {
		return Event{}, fmt.Errorf("deepgram recv: %w", err)
	}

	if err := r.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return Event{}, fmt.Errorf("deepgram send: %w", err)
	}

	var finals []string
	partial := ""
	for drained := false; !drained; {
		select {
		case u := <-r.updates:
			if u.IsFinal {
				if u.Transcript != "" {
					finals = append(finals, u.Transcript)
				}
				partial = ""
			} else {
				partial = u.Transcript
			}
		default:
			drained = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.SentFrames++
	r.stats.SentBytes += uint64(len(frame))
	if len(finals) > 0 {
		r.stats.RecvFinal++
		return Event{Kind: Final, Text: strings.Join(finals, " ")}, nil
	}
	r.stats.RecvPartial++
	return Event{Kind: Partial, Text: partial}, nil
}

func (r *deepgramRecognizer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *deepgramRecognizer) Close() error {
	_ = r.conn.Write(r.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	err := r.conn.Close(websocket.StatusNormalClosure, "")
	r.cancel()
	<-r.recvDone
	return err
}
