package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const voskDefaultTimeout = 5 * time.Second

// VoskServer talks to a vosk-server websocket endpoint. The server answers
// every binary frame with exactly one JSON message.
type VoskServer struct {
	url     string
	timeout time.Duration
}

func NewVoskServer(url string, timeout time.Duration) *VoskServer {
	if timeout <= 0 {
		timeout = voskDefaultTimeout
	}
	return &VoskServer{url: url, timeout: timeout}
}

func (v *VoskServer) Name() string { return "vosk-server" }

type voskConfigMessage struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

type voskResponse struct {
	Partial string  `json:"partial"`
	Text    *string `json:"text"`
}

func (v *VoskServer) NewRecognizer(ctx context.Context) (Recognizer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, v.url, nil)
	if err != nil {
		return nil, fmt.Errorf("vosk-server dial %s: %w", v.url, err)
	}
	conn.SetReadLimit(1 << 20)

	var msg voskConfigMessage
	msg.Config.SampleRate = 16000
	data, _ := json.Marshal(msg)
	if err := conn.Write(dialCtx, websocket.MessageText, data); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("vosk-server config: %w", err)
	}
	return &voskRecognizer{conn: conn, timeout: v.timeout}, nil
}

const voskEOF = `{"eof" : 1}`

type voskRecognizer struct {
	conn    *websocket.Conn
	timeout time.Duration
	stats   Stats
	eofSent bool
}

func (r *voskRecognizer) Process(ctx context.Context, frame []byte) (Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return Event{}, fmt.Errorf("vosk-server send: %w", err)
	}
	r.stats.SentFrames++
	r.stats.SentBytes += uint64(len(frame))

	_, data, err := r.conn.Read(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("vosk-server recv: %w", err)
	}
	return r.decode(data)
}

// Flush sends eof and returns the server's final result for whatever audio
// it had not yet committed.
func (r *voskRecognizer) Flush(ctx context.Context) (Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.eofSent = true
	if err := r.conn.Write(ctx, websocket.MessageText, []byte(voskEOF)); err != nil {
		return Event{}, fmt.Errorf("vosk-server eof: %w", err)
	}
	_, data, err := r.conn.Read(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("vosk-server final recv: %w", err)
	}
	return r.decode(data)
}

func (r *voskRecognizer) decode(data []byte) (Event, error) {
	r.stats.RecvMessages++

	var resp voskResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Event{}, fmt.Errorf("vosk-server response parse error: %w", err)
	}
	if resp.Text != nil {
		r.stats.RecvFinal++
		return Event{Kind: Final, Text: strings.TrimSpace(*resp.Text)}, nil
	}
	r.stats.RecvPartial++
	return Event{Kind: Partial, Text: strings.TrimSpace(resp.Partial)}, nil
}

func (r *voskRecognizer) Stats() Stats { return r.stats }

func (r *voskRecognizer) Close() error {
	if r.eofSent {
		// the server hangs up after its final result
		r.conn.CloseNow()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.conn.Write(ctx, websocket.MessageText, []byte(voskEOF)); err != nil {
		r.conn.CloseNow()
		return nil
	}
	return r.conn.Close(websocket.StatusNormalClosure, "")
}
