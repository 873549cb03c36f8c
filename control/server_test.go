package control

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clipscribe/audio"
	"clipscribe/session"
	"clipscribe/transcriber"
)

type memSink struct {
	mu    sync.Mutex
	texts []string
}

func (m *memSink) Publish(text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return nil
}

func (m *memSink) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.texts) == 0 {
		return ""
	}
	return m.texts[len(m.texts)-1]
}

func newTestServer(t *testing.T, script ...string) (*httptest.Server, *memSink) {
	t.Helper()
	events := make([]transcriber.Event, len(script))
	for i, s := range script {
		events[i] = transcriber.Event{Kind: transcriber.Final, Text: s}
	}
	sink := &memSink{}
	ctrl := session.NewController(session.Config{
		Audio:  audio.NewPCMContext(nil, false),
		Engine: transcriber.NewFake(events...),
		Sink:   sink,
	})
	t.Cleanup(ctrl.Close)

	srv := httptest.NewServer(New("", ctrl, ctrl.Metrics().Registry).Handler())
	t.Cleanup(srv.Close)
	return srv, sink
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestParseMicIndex(t *testing.T) {
	tests := []struct {
		raw     string
		want    int // -1 for nil
		wantErr bool
	}{
		{``, -1, false},
		{`null`, -1, false},
		{`""`, -1, false},
		{`"  "`, -1, false},
		{`2`, 2, false},
		{`"3"`, 3, false},
		{`"abc"`, 0, true},
		{`1.5`, 0, true},
		{`[1]`, 0, true},
	}
	for _, tt := range tests {
		got, err := parseMicIndex(json.RawMessage(tt.raw))
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.raw, err)
			continue
		}
		if tt.want == -1 && got != nil {
			t.Errorf("%s: got %d, want nil", tt.raw, *got)
		}
		if tt.want >= 0 && (got == nil || *got != tt.want) {
			t.Errorf("%s: got %v, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestDevices(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var devices []audio.IndexedDevice
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Index != 0 || devices[0].Name != "pcm" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestStartStopStatus(t *testing.T) {
	srv, sink := newTestServer(t, "ola", "tudo bem")

	code, body := do(t, "POST", srv.URL+"/start", `{"mic_index": "", "pause_threshold": 5}`)
	if code != http.StatusOK || body["status"] != "started" || body["session"] == "" {
		t.Fatalf("start: %d %v", code, body)
	}
	sessionID := body["session"]

	deadline := time.Now().Add(2 * time.Second)
	for sink.last() != "Ola tudo bem" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.last(); got != "Ola tudo bem" {
		t.Fatalf("published %q", got)
	}

	code, body = do(t, "GET", srv.URL+"/status", "")
	if code != http.StatusOK || body["state"] != "running" || body["running"] != true || body["session"] != sessionID {
		t.Errorf("status while running: %d %v", code, body)
	}
	if body["segment"] != "Ola tudo bem" {
		t.Errorf("segment = %v", body["segment"])
	}

	code, body = do(t, "POST", srv.URL+"/stop?wait=1", "")
	if code != http.StatusOK || body["status"] != "stopped" {
		t.Errorf("stop: %d %v", code, body)
	}
	_, body = do(t, "GET", srv.URL+"/status", "")
	if body["state"] != "stopped" || body["running"] != false {
		t.Errorf("status after stop: %v", body)
	}

	_, body = do(t, "POST", srv.URL+"/stop", "")
	if body["status"] != "none_running" {
		t.Errorf("second stop: %v", body)
	}
}

func TestStartEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)
	if code, body := do(t, "POST", srv.URL+"/start", ""); code != http.StatusOK {
		t.Fatalf("start: %d %v", code, body)
	}
	// a second start replaces the first
	code, body := do(t, "POST", srv.URL+"/start", `{"mic_index": 0}`)
	if code != http.StatusOK {
		t.Fatalf("restart: %d %v", code, body)
	}
}

func TestStartBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, body := range []string{
		`{"mic_index": 3}`,
		`{"mic_index": "two"}`,
		`{"pause_threshold": 0}`,
		`{"pause_threshold": -2}`,
		`{"pause_threshold": 1e-10}`,
		`{"pause_mode": "energy"}`,
		`{not json`,
	} {
		code, resp := do(t, "POST", srv.URL+"/start", body)
		if code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", body, code)
		}
		if resp["error"] == nil {
			t.Errorf("%s: no error message", body)
		}
	}
	_, body := do(t, "GET", srv.URL+"/status", "")
	if body["state"] != "idle" {
		t.Errorf("state = %v after rejected starts", body["state"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /start = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, "POST", srv.URL+"/start", "")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"clipscribe_sessions_started_total 1", "clipscribe_session_running 1"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
