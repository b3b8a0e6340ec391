package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	protocolVersionLatest   = "2025-06-18"
	protocolVersionPrevious = "2025-03-26"

	sessionHeader     = "Mcp-Session-Id"
	protocolHeader    = "MCP-Protocol-Version"
	lastEventIDHeader = "Last-Event-ID"

	sseChannelSize    = 64
	replayBufferSize  = 100
	keepAliveInterval = 15 * time.Second
	reaperInterval    = 60 * time.Second
)

// ===== infra helpers =====

type MiddlewareFunc func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

func loggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("<%s> %s %s", prefix, r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("<%s> panic: %v", prefix, err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter captures the response code for metrics and forwards Flush so
// SSE streaming keeps working through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ===== sessions =====

// sseEvent is one emission on a session's stream. Kind "" renders as a plain
// data event; anything else becomes the SSE event field.
type sseEvent struct {
	ID    uint64
	Event string
	Data  string
}

type httpSession struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	serverName   string
	eventTx      chan sseEvent
	lastEventID  uint64
	buffer       []sseEvent
}

func newHTTPSession() *httpSession {
	now := time.Now()
	return &httpSession{
		id:           uuid.New().String(),
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *httpSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *httpSession) expired(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > timeout
}

func (s *httpSession) bindServer(name string) {
	s.mu.Lock()
	if s.serverName == "" {
		s.serverName = name
	}
	s.mu.Unlock()
}

func (s *httpSession) boundServer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverName
}

// emit assigns the next event id, buffers the event, and delivers it to the
// attached stream if any. A full channel drops the oldest pending event.
func (s *httpSession) emit(event, data string) sseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastEventID++
	ev := sseEvent{ID: s.lastEventID, Event: event, Data: data}

	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > replayBufferSize {
		s.buffer = s.buffer[len(s.buffer)-replayBufferSize:]
	} else {
		addBufferedEvents(1)
	}

	if s.eventTx == nil {
		return ev
	}
	select {
	case s.eventTx <- ev:
	default:
		select {
		case dropped := <-s.eventTx:
			log.Printf("<http> session %s channel full, dropped pending event %d", s.id, dropped.ID)
			recordError("sse_overflow", s.serverName)
		default:
		}
		select {
		case s.eventTx <- ev:
		default:
		}
	}
	return ev
}

// attachWithReplay installs ch as the session's stream (closing any previous
// one) and returns the buffered events after lastEventID, atomically so no
// emission is lost or duplicated between replay and attachment.
func (s *httpSession) attachWithReplay(ch chan sseEvent, lastEventID uint64) []sseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []sseEvent
	for _, ev := range s.buffer {
		if ev.ID > lastEventID {
			replay = append(replay, ev)
		}
	}
	if s.eventTx != nil {
		close(s.eventTx)
	}
	s.eventTx = ch
	return replay
}

func (s *httpSession) attach(ch chan sseEvent) {
	s.attachWithReplay(ch, ^uint64(0))
}

// detach clears the stream if ch is still the attached one. The channel is
// left open for the garbage collector; later emissions only buffer.
func (s *httpSession) detach(ch chan sseEvent) {
	s.mu.Lock()
	if s.eventTx == ch {
		s.eventTx = nil
	}
	s.mu.Unlock()
}

func (s *httpSession) closeStream() {
	s.mu.Lock()
	if s.eventTx != nil {
		close(s.eventTx)
		s.eventTx = nil
	}
	s.mu.Unlock()
}

// ===== engine =====

type sessionEngine struct {
	router      *Router
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*httpSession
}

func newSessionEngine(router *Router, idleTimeout time.Duration) *sessionEngine {
	return &sessionEngine{
		router:      router,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*httpSession),
	}
}

func (e *sessionEngine) create() *httpSession {
	sess := newHTTPSession()
	e.mu.Lock()
	e.sessions[sess.id] = sess
	count := len(e.sessions)
	e.mu.Unlock()
	recordSessionCreated("http")
	setActiveSessions(count)
	log.Printf("<http> session %s created", sess.id)
	return sess
}

// get returns the live session for id; an expired session is dropped on the
// spot and reported absent.
func (e *sessionEngine) get(id string) (*httpSession, bool) {
	e.mu.Lock()
	sess, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	if sess.expired(e.idleTimeout) {
		e.drop(sess)
		return nil, false
	}
	return sess, true
}

func (e *sessionEngine) drop(sess *httpSession) {
	sess.mu.Lock()
	buffered := len(sess.buffer)
	sess.mu.Unlock()

	e.mu.Lock()
	_, present := e.sessions[sess.id]
	delete(e.sessions, sess.id)
	count := len(e.sessions)
	e.mu.Unlock()

	sess.closeStream()
	setActiveSessions(count)
	if present {
		addBufferedEvents(-buffered)
	}
}

// ReapLoop drops idle sessions every reaperInterval until ctx is done.
func (e *sessionEngine) ReapLoop(done <-chan struct{}) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.reap()
		}
	}
}

func (e *sessionEngine) reap() {
	e.mu.Lock()
	var expired []*httpSession
	for _, sess := range e.sessions {
		if sess.expired(e.idleTimeout) {
			expired = append(expired, sess)
		}
	}
	e.mu.Unlock()
	for _, sess := range expired {
		log.Printf("<http> session %s expired", sess.id)
		e.drop(sess)
	}
}

// Push emits a server-initiated event on a session. Kind is one of
// notification, request, data, error; data renders as a plain data event.
func (e *sessionEngine) Push(sessionID, kind, payload string) bool {
	sess, ok := e.get(sessionID)
	if !ok {
		return false
	}
	event := kind
	if kind == "data" {
		event = ""
	}
	sess.emit(event, payload)
	return true
}

// NotifyBackendDown tells every session bound to name that its backend was
// permanently removed.
func (e *sessionEngine) NotifyBackendDown(name, reason string) {
	payload := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"notifications/backend/down","params":{"server":%q,"reason":%q}}`,
		name, reason,
	)
	e.mu.Lock()
	var bound []*httpSession
	for _, sess := range e.sessions {
		if sess.boundServer() == name {
			bound = append(bound, sess)
		}
	}
	e.mu.Unlock()
	for _, sess := range bound {
		sess.emit("notification", payload)
	}
}

// ===== request guards =====

func checkProtocolVersion(r *http.Request) *routeError {
	version := r.Header.Get(protocolHeader)
	if version == "" || version == protocolVersionLatest || version == protocolVersionPrevious {
		return nil
	}
	return errProtocolMismatch(version)
}

// checkOrigin allows absent origins, the literal "null", and any loopback
// host regardless of port.
func checkOrigin(r *http.Request) *routeError {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return errOriginForbidden(origin)
	}
	host := parsed.Hostname()
	if strings.EqualFold(host, "localhost") || host == "127.0.0.1" || host == "::1" {
		return nil
	}
	return errOriginForbidden(origin)
}

// needsStreaming selects SSE for handshake, sampling, and notification-style
// methods; everything else gets a plain JSON body.
func needsStreaming(method string) bool {
	switch method {
	case "initialize", "initialized", "sampling/createMessage", "roots/list_changed":
		return true
	}
	return strings.HasPrefix(method, "notifications/")
}

// ===== /mcp handler =====

func (e *sessionEngine) handleMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		recordHTTPRequest(r.Method, "/mcp", sw.status, time.Since(start))
	}()

	if rerr := checkOrigin(r); rerr != nil {
		writeRPCError(sw, http.StatusForbidden, nil, rerr)
		return
	}
	if rerr := checkProtocolVersion(r); rerr != nil {
		writeRPCError(sw, http.StatusBadRequest, nil, rerr)
		return
	}

	switch r.Method {
	case http.MethodPost:
		e.handlePost(sw, r)
	case http.MethodGet:
		e.handleGet(sw, r)
	case http.MethodOptions:
		sw.Header().Set("Allow", "GET, POST, OPTIONS")
		sw.WriteHeader(http.StatusNoContent)
	default:
		sw.Header().Set("Allow", "GET, POST, OPTIONS")
		http.Error(sw, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (e *sessionEngine) handlePost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "application/json" {
			http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	_ = r.Body.Close()
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, errParse(err))
		return
	}

	frame, perr := parseFrame(body)
	if perr != nil {
		var id json.RawMessage
		if frame != nil {
			id = frame.ID
		}
		writeRPCError(w, http.StatusBadRequest, id, perr)
		return
	}

	sess, created, rerr := e.resolveSession(r, frame)
	if rerr != nil {
		writeRPCError(w, http.StatusNotFound, frame.ID, rerr)
		return
	}
	sess.touch()

	if needsStreaming(frame.Method) {
		e.respondStreaming(w, r, sess, created, frame, body)
		return
	}
	e.respondJSON(w, sess, created, frame, body)
}

// resolveSession applies the session rules: a present header must name a live
// session; absent, only initialize may implicitly create one.
func (e *sessionEngine) resolveSession(r *http.Request, frame *rpcFrame) (*httpSession, bool, *routeError) {
	if id := r.Header.Get(sessionHeader); id != "" {
		sess, ok := e.get(id)
		if !ok {
			return nil, false, errSessionNotFound(id)
		}
		return sess, false, nil
	}
	if frame.Method == "initialize" {
		return e.create(), true, nil
	}
	return nil, false, errSessionNotFound("")
}

// respondJSON is the non-streaming arm of smart response selection.
func (e *sessionEngine) respondJSON(w http.ResponseWriter, sess *httpSession, created bool, frame *rpcFrame, body []byte) {
	if created {
		w.Header().Set(sessionHeader, sess.id)
	}

	name, wire, rerr := e.router.resolve(frame, body)
	if rerr != nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(errorFrame(frame.ID, rerr))
		return
	}
	sess.bindServer(name)

	if frame.isNotification() {
		if err := e.router.dispatchWire(name, frame, wire); err != nil {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(errorFrame(frame.ID, err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	reply, err := e.router.routeWire(name, frame, wire)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		_, _ = w.Write(errorFrame(frame.ID, err))
		return
	}
	_, _ = w.Write(reply)
}

// respondStreaming is the SSE arm: the response starts immediately, the
// backend reply arrives as an event from a detached task.
func (e *sessionEngine) respondStreaming(w http.ResponseWriter, r *http.Request, sess *httpSession, created bool, frame *rpcFrame, body []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan sseEvent, sseChannelSize)
	sess.attach(ch)

	if created {
		w.Header().Set(sessionHeader, sess.id)
	}
	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sess.emit("session", fmt.Sprintf(`{"sessionId":%q}`, sess.id))

	go func() {
		name, wire, rerr := e.router.resolve(frame, body)
		if rerr != nil {
			sess.emit("error", string(errorFrame(frame.ID, rerr)))
			return
		}
		sess.bindServer(name)

		if frame.isNotification() {
			if err := e.router.dispatchWire(name, frame, wire); err != nil {
				sess.emit("error", string(errorFrame(frame.ID, err)))
			}
			return
		}

		reply, err := e.router.routeWire(name, frame, wire)
		if err != nil {
			sess.emit("error", string(errorFrame(frame.ID, err)))
			return
		}
		sess.emit("", string(trimNewline(reply)))
	}()

	e.streamEvents(w, r, flusher, sess, ch)
}

func (e *sessionEngine) handleGet(w http.ResponseWriter, r *http.Request) {
	if accept := r.Header.Get("Accept"); accept != "" && !strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		http.Error(w, "Not Acceptable", http.StatusNotAcceptable)
		return
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeRPCError(w, http.StatusNotFound, nil, errSessionNotFound(""))
		return
	}
	sess, ok := e.get(id)
	if !ok {
		writeRPCError(w, http.StatusNotFound, nil, errSessionNotFound(id))
		return
	}
	sess.touch()

	flusher, fok := w.(http.Flusher)
	if !fok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastEventID uint64
	replayRequested := false
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastEventID = parsed
			replayRequested = true
		}
	}

	ch := make(chan sseEvent, sseChannelSize)
	var replay []sseEvent
	if replayRequested {
		replay = sess.attachWithReplay(ch, lastEventID)
	} else {
		sess.attach(ch)
	}

	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if len(replay) > 0 {
		log.Printf("<http> session %s resuming from event %d, replaying %d events", sess.id, lastEventID, len(replay))
		for _, ev := range replay {
			writeSSEEvent(w, ev)
		}
		flusher.Flush()
		recordReplay("http", len(replay))
	}

	e.streamEvents(w, r, flusher, sess, ch)
}

// streamEvents pumps channel events to the client with periodic keep-alive
// comments until the client goes away or the stream is replaced.
func (e *sessionEngine) streamEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sess *httpSession, ch chan sseEvent) {
	incActiveConnections()
	defer decActiveConnections()
	defer sess.detach(ch)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			sess.touch()
		case <-ticker.C:
			_, _ = io.WriteString(w, ":\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSEEvent(w io.Writer, ev sseEvent) {
	if ev.Event != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Event)
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorFrame(id, err))
}

// ===== server wiring =====

func newHTTPHandler(engine *sessionEngine, router *Router) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", engine.handleMCP)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, router)
	})
	mux.Handle("/metrics", promhttp.Handler())
	return chainMiddleware(mux, recoverMiddleware("http"), loggerMiddleware("http"))
}
