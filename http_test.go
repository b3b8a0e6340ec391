package main

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, names ...string) (*httptest.Server, *sessionEngine) {
	t.Helper()
	router := newEchoRouter(t, names...)
	engine := newSessionEngine(router, time.Hour)
	ts := httptest.NewServer(newHTTPHandler(engine, router))
	t.Cleanup(ts.Close)
	return ts, engine
}

func postFrame(t *testing.T, ts *httptest.Server, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

type sseRecord struct {
	id    uint64
	event string
	data  string
}

// readSSE reads one event block, skipping keep-alive comments.
func readSSE(t *testing.T, reader *bufio.Reader) sseRecord {
	t.Helper()
	var rec sseRecord
	seen := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("SSE stream ended early: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if seen {
				return rec
			}
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event: "):
			rec.event = strings.TrimPrefix(line, "event: ")
			seen = true
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			if err != nil {
				t.Fatalf("bad SSE id line %q: %v", line, err)
			}
			rec.id = id
			seen = true
		case strings.HasPrefix(line, "data: "):
			rec.data = strings.TrimPrefix(line, "data: ")
			seen = true
		}
	}
}

func TestPostNonStreamingReturnsJSON(t *testing.T) {
	ts, engine := newTestServer(t, "alpha")
	sess := engine.create()

	frame := `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"server":"alpha"}}`
	resp := postFrame(t, ts, frame, map[string]string{sessionHeader: sess.id})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if body.String() != frame {
		t.Fatalf("body = %s, want the echoed frame", body.String())
	}
}

func TestPostInitializeStreamsSessionThenReply(t *testing.T) {
	ts, _ := newTestServer(t, "alpha")

	frame := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"server":"alpha"}}`
	resp := postFrame(t, ts, frame, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	sessionID := resp.Header.Get(sessionHeader)
	if sessionID == "" {
		t.Fatalf("expected %s response header on session creation", sessionHeader)
	}

	reader := bufio.NewReader(resp.Body)

	first := readSSE(t, reader)
	if first.event != "session" {
		t.Fatalf("first event = %q, want session", first.event)
	}
	if first.id != 1 {
		t.Fatalf("first event id = %d, want 1", first.id)
	}
	if !strings.Contains(first.data, sessionID) {
		t.Fatalf("session event data %q does not carry session id %q", first.data, sessionID)
	}

	second := readSSE(t, reader)
	if second.event != "" {
		t.Fatalf("second event = %q, want plain data", second.event)
	}
	if second.id != 2 {
		t.Fatalf("second event id = %d, want 2", second.id)
	}
	if second.data != frame {
		t.Fatalf("second event data = %s, want the echoed frame", second.data)
	}
}

func TestPostWithoutSessionRejected(t *testing.T) {
	ts, _ := newTestServer(t, "alpha")

	resp := postFrame(t, ts, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"server":"alpha"}}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	decoded := decodeFrame(t, body.Bytes())
	errObj := decoded["error"].(map[string]any)
	if errObj["code"] != float64(codeSessionNotFound) {
		t.Fatalf("error code = %v, want %d", errObj["code"], codeSessionNotFound)
	}
}

func TestPostUnknownSessionRejected(t *testing.T) {
	ts, _ := newTestServer(t, "alpha")

	resp := postFrame(t, ts, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"server":"alpha"}}`,
		map[string]string{sessionHeader: "11111111-2222-3333-4444-555555555555"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOriginGuard(t *testing.T) {
	ts, _ := newTestServer(t, "alpha")

	resp := postFrame(t, ts, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"server":"alpha"}}`,
		map[string]string{"Origin": "http://evil.example.com"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	ok := postFrame(t, ts, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"server":"alpha"}}`,
		map[string]string{"Origin": "http://localhost:9999"})
	defer ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("localhost origin rejected with status %d", ok.StatusCode)
	}
}

func TestProtocolVersionGuard(t *testing.T) {
	ts, _ := newTestServer(t, "alpha")

	resp := postFrame(t, ts, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"server":"alpha"}}`,
		map[string]string{protocolHeader: "2020-01-01"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	ok := postFrame(t, ts, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"server":"alpha"}}`,
		map[string]string{protocolHeader: protocolVersionPrevious})
	defer ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("previous protocol version rejected with status %d", ok.StatusCode)
	}
}

func TestContentTypeGuard(t *testing.T) {
	ts, _ := newTestServer(t, "alpha")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestGetReplayAfterLastEventID(t *testing.T) {
	ts, engine := newTestServer(t, "alpha")
	sess := engine.create()
	for i := 1; i <= 10; i++ {
		sess.emit("", fmt.Sprintf(`{"seq":%d}`, i))
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionHeader, sess.id)
	req.Header.Set(lastEventIDHeader, "7")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	reader := bufio.NewReader(resp.Body)
	for want := uint64(8); want <= 10; want++ {
		rec := readSSE(t, reader)
		if rec.id != want {
			t.Fatalf("replayed event id = %d, want %d", rec.id, want)
		}
		if rec.data != fmt.Sprintf(`{"seq":%d}`, want) {
			t.Fatalf("replayed event data = %q", rec.data)
		}
	}

	// the stream stays open and carries further emissions
	sess.emit("", `{"seq":11}`)
	rec := readSSE(t, reader)
	if rec.id != 11 {
		t.Fatalf("live event id = %d, want 11", rec.id)
	}
}

func TestGetWithoutSessionRejected(t *testing.T) {
	ts, _ := newTestServer(t, "alpha")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req2.Header.Set("Accept", "text/event-stream")
	req2.Header.Set(sessionHeader, "does-not-exist")
	resp2, err := ts.Client().Do(req2)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp2.StatusCode)
	}
}

func TestEventIDsMonotonicAndBufferTrims(t *testing.T) {
	sess := newHTTPSession()

	for i := 0; i < 150; i++ {
		sess.emit("", fmt.Sprintf(`{"n":%d}`, i))
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.lastEventID != 150 {
		t.Fatalf("lastEventID = %d, want 150", sess.lastEventID)
	}
	if len(sess.buffer) != replayBufferSize {
		t.Fatalf("buffer length = %d, want %d", len(sess.buffer), replayBufferSize)
	}
	if sess.buffer[0].ID != 51 {
		t.Fatalf("buffer must hold the suffix of emissions, first id = %d, want 51", sess.buffer[0].ID)
	}
	for i := 1; i < len(sess.buffer); i++ {
		if sess.buffer[i].ID != sess.buffer[i-1].ID+1 {
			t.Fatalf("event ids not contiguous at index %d: %d then %d", i, sess.buffer[i-1].ID, sess.buffer[i].ID)
		}
	}
}

func TestPushAndBackendDownNotification(t *testing.T) {
	router := newEchoRouter(t, "alpha")
	engine := newSessionEngine(router, time.Hour)
	sess := engine.create()
	sess.bindServer("alpha")

	ch := make(chan sseEvent, sseChannelSize)
	sess.attach(ch)

	if !engine.Push(sess.id, "request", `{"jsonrpc":"2.0","id":"srv-1","method":"roots/list"}`) {
		t.Fatalf("push to live session failed")
	}
	ev := <-ch
	if ev.Event != "request" || ev.ID != 1 {
		t.Fatalf("pushed event = %+v", ev)
	}

	engine.NotifyBackendDown("alpha", kindRestartExhausted)
	ev = <-ch
	if ev.Event != "notification" {
		t.Fatalf("expected notification event, got %+v", ev)
	}
	if !strings.Contains(ev.Data, `"server":"alpha"`) || !strings.Contains(ev.Data, kindRestartExhausted) {
		t.Fatalf("backend-down payload = %q", ev.Data)
	}

	if engine.Push("nope", "data", "{}") {
		t.Fatalf("push to unknown session must fail")
	}
}

func TestSessionReap(t *testing.T) {
	router := newEchoRouter(t, "alpha")
	engine := newSessionEngine(router, 50*time.Millisecond)
	sess := engine.create()

	time.Sleep(100 * time.Millisecond)
	engine.reap()

	if _, ok := engine.get(sess.id); ok {
		t.Fatalf("expired session survived the reaper")
	}
}

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"null", true},
		{"http://localhost", true},
		{"http://localhost:8080", true},
		{"http://127.0.0.1:3000", true},
		{"http://[::1]:3000", true},
		{"https://Localhost:8443", true},
		{"http://evil.example.com", false},
		{"http://localhost.evil.com", false},
		{"http://192.168.1.10:8080", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := checkOrigin(r)
		if tc.ok && err != nil {
			t.Fatalf("origin %q rejected: %v", tc.origin, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("origin %q accepted", tc.origin)
		}
	}
}

func TestNeedsStreaming(t *testing.T) {
	streaming := []string{
		"initialize", "initialized", "sampling/createMessage",
		"roots/list_changed", "notifications/cancelled",
		"notifications/progress", "notifications/custom",
	}
	for _, method := range streaming {
		if !needsStreaming(method) {
			t.Fatalf("method %q should stream", method)
		}
	}
	for _, method := range []string{"tools/list", "tools/call", "ping", "resources/read"} {
		if needsStreaming(method) {
			t.Fatalf("method %q should not stream", method)
		}
	}
}

func TestOverflowDropsOldestPendingEvent(t *testing.T) {
	sess := newHTTPSession()
	ch := make(chan sseEvent, sseChannelSize)
	sess.attach(ch)

	for i := 0; i < sseChannelSize+5; i++ {
		sess.emit("", fmt.Sprintf(`{"n":%d}`, i))
	}

	// oldest pending events were dropped to admit the newest
	first := <-ch
	if first.ID == 1 {
		t.Fatalf("expected the oldest pending event to have been dropped")
	}
	// the replay buffer still holds the full suffix
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.buffer) != sseChannelSize+5 {
		t.Fatalf("buffer length = %d, want %d", len(sess.buffer), sseChannelSize+5)
	}
}
