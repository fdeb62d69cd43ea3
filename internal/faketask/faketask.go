// Package faketask is a scriptable fake worker: an httptest.Server that
// implements the four endpoints a real worker exposes (status
// long-poll, info long-poll, update POST, delete), so
// StatusFetcher/InfoFetcher/UpdateSender can be exercised over a real
// net/http round trip without a real distributed worker. Tests script
// per-task fault injection (instance-id flips, version regressions,
// rejected requests, delayed replies) through the *TaskScript handle
// Seed returns.
package faketask

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/remotetask/internal/codec"
	"github.com/ChuLiYu/remotetask/pkg/task"
)

// Server is the fake worker. One Server can host many tasks, mirroring
// how a single Presto/Trino worker node hosts many task instances.
type Server struct {
	httpServer *httptest.Server

	preferred codec.Codec
	fallback  codec.Codec

	mu    sync.Mutex
	tasks map[string]*TaskScript
}

// NewServer starts a fake worker listening on a loopback port. preferred
// and fallback are the codecs the server is willing to reply with,
// chosen by negotiating against the caller's Accept header exactly the
// way a real worker would.
func NewServer(preferred, fallback codec.Codec) *Server {
	s := &Server{
		preferred: preferred,
		fallback:  fallback,
		tasks:     make(map[string]*TaskScript),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL is the base URI to hand TaskHandle as its workerBaseURI.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Close shuts down the underlying httptest.Server.
func (s *Server) Close() {
	s.httpServer.Close()
}

// Seed registers a task with its initial status/info and returns a
// handle for scripting fault injection and introspecting what the
// worker has seen.
func (s *Server) Seed(id task.ID, status task.Status, info task.Info) *TaskScript {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := &TaskScript{
		id:     id,
		status: status,
		info:   info,
	}
	s.tasks[id.String()] = ts
	return ts
}

func (s *Server) lookup(idStr string) *TaskScript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[idStr]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	isStatus := strings.HasSuffix(path, "/status")
	idStr := strings.TrimSuffix(path, "/status")

	ts := s.lookup(idStr)
	if ts == nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case isStatus && r.Method == http.MethodGet:
		s.handleStatus(w, r, ts)
	case !isStatus && r.Method == http.MethodGet:
		s.handleInfo(w, r, ts)
	case !isStatus && r.Method == http.MethodPost:
		s.handleUpdate(w, r, ts)
	case !isStatus && r.Method == http.MethodDelete:
		s.handleDelete(w, r, ts)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, ts *TaskScript) {
	if ts.recordRequestAndMaybeFault(w) {
		return
	}
	maxWait := parseMaxWait(r.Header.Get("X-Presto-Max-Wait"))
	status := ts.waitForStateChange(r.Header.Get("X-Presto-Current-State"), maxWait)

	s.writeEncoded(w, r, func(c codec.Codec) ([]byte, error) { return c.EncodeStatus(status) })
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, ts *TaskScript) {
	if ts.recordRequestAndMaybeFault(w) {
		return
	}
	maxWait := parseMaxWait(r.Header.Get("X-Presto-Max-Wait"))
	status := ts.waitForStateChange(r.Header.Get("X-Presto-Current-State"), maxWait)

	ts.mu.Lock()
	info := ts.info.Clone()
	info.Status = status
	ts.mu.Unlock()

	s.writeEncoded(w, r, func(c codec.Codec) ([]byte, error) { return c.EncodeInfo(info) })
}

// longPollInterval is how often a blocked status/info request re-checks
// for a state change while waiting out its maxWait budget.
const longPollInterval = 10 * time.Millisecond

func parseMaxWait(raw string) time.Duration {
	if raw == "" {
		return time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Second
	}
	return d
}

// waitForStateChange blocks, the way a real worker's long-poll endpoint
// does, until the task's State differs from currentState or maxWait
// elapses, then returns whatever the current status is.
func (ts *TaskScript) waitForStateChange(currentState string, maxWait time.Duration) task.Status {
	deadline := time.Now().Add(maxWait)
	for {
		ts.mu.Lock()
		status := ts.status.Clone()
		ts.mu.Unlock()

		if currentState == "" || status.State.String() != currentState || status.State.IsDone() {
			return status
		}
		if time.Now().After(deadline) {
			return status
		}
		time.Sleep(longPollInterval)
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, ts *TaskScript) {
	if ts.recordRequestAndMaybeFault(w) {
		return
	}

	body, err := readAll(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c := s.negotiateRequestCodec(r)
	update, err := c.DecodeUpdateRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ts.mu.Lock()
	ts.receivedUpdates = append(ts.receivedUpdates, update)
	if ts.status.State == task.StatePlanned {
		ts.status.State = task.StateRunning
	}
	ts.status.Version++
	info := ts.info.Clone()
	info.Status = ts.status.Clone()
	ts.mu.Unlock()

	s.writeEncoded(w, r, func(c codec.Codec) ([]byte, error) { return c.EncodeInfo(info) })
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ts *TaskScript) {
	if ts.recordRequestAndMaybeFault(w) {
		return
	}

	abort := r.URL.Query().Get("abort") == "true"

	ts.mu.Lock()
	ts.deleteSeen = true
	ts.deleteAbort = abort
	if !ts.status.State.IsDone() {
		ts.status.Version++
		if abort {
			ts.status.State = task.StateAborted
		} else {
			ts.status.State = task.StateCanceled
		}
	}
	info := ts.info.Clone()
	info.Status = ts.status.Clone()
	ts.mu.Unlock()

	s.writeEncoded(w, r, func(c codec.Codec) ([]byte, error) { return c.EncodeInfo(info) })
}

func (s *Server) negotiateRequestCodec(r *http.Request) codec.Codec {
	if c := codec.ByContentType(r.Header.Get("Content-Type"), s.preferred, s.fallback); c != nil {
		return c
	}
	return s.preferred
}

func (s *Server) writeEncoded(w http.ResponseWriter, r *http.Request, encode func(codec.Codec) ([]byte, error)) {
	c := s.negotiateReplyCodec(r.Header.Get("Accept"))
	body, err := encode(c)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) negotiateReplyCodec(accept string) codec.Codec {
	if strings.Contains(accept, s.preferred.ContentType()) {
		return s.preferred
	}
	if strings.Contains(accept, s.fallback.ContentType()) {
		return s.fallback
	}
	return s.preferred
}

func readAll(r *http.Request) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// TaskScript holds one task's simulated worker-side state plus the
// fault-injection schedule a test configures before starting
// TaskHandle against it.
type TaskScript struct {
	id task.ID

	mu     sync.Mutex
	status task.Status
	info   task.Info

	requestCount int

	flipInstanceIDAfter int
	flippedInstanceID   task.InstanceID
	flipDone            bool

	regressVersionAfter int
	regressVersionTo    uint64
	regressDone         bool

	rejectAfter      int
	rejectStatusCode int

	delayAfter int
	delay      time.Duration

	deleteSeen  bool
	deleteAbort bool

	receivedUpdates []task.UpdateRequest
}

// FlipInstanceIDAfter schedules the worker to start reporting a
// different InstanceID starting with the n-th request this task
// receives (1-indexed), simulating the worker having restarted and lost
// the task (a REMOTE_TASK_MISMATCH scenario).
func (ts *TaskScript) FlipInstanceIDAfter(n int, newInstanceID task.InstanceID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.flipInstanceIDAfter = n
	ts.flippedInstanceID = newInstanceID
}

// RegressVersionTo schedules the n-th request to reply with a Version
// lower than what was already reported, simulating a protocol
// violation (also REMOTE_TASK_MISMATCH).
func (ts *TaskScript) RegressVersionTo(n int, version uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.regressVersionAfter = n
	ts.regressVersionTo = version
}

// RejectAfter schedules every request from the n-th onward (1-indexed)
// to fail with statusCode, simulating a worker that has become
// unreachable or overloaded.
func (ts *TaskScript) RejectAfter(n int, statusCode int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.rejectAfter = n
	ts.rejectStatusCode = statusCode
}

// DelayReplyAfter schedules every request from the n-th onward to sleep
// delay before replying, simulating a slow or overloaded worker.
func (ts *TaskScript) DelayReplyAfter(n int, delay time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.delayAfter = n
	ts.delay = delay
}

// SetStatus overwrites the task's current status, e.g. to simulate the
// worker reaching FINISHED on its own.
func (ts *TaskScript) SetStatus(status task.Status) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status = status
}

// SetInfo overwrites the task's current info (the Status field is
// always kept in sync with SetStatus independently).
func (ts *TaskScript) SetInfo(info task.Info) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.info = info
}

// RequestCount returns how many requests this task has received so far.
func (ts *TaskScript) RequestCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requestCount
}

// ReceivedUpdates returns every TaskUpdateRequest this task has been
// sent, oldest first, for tests to assert dirty-tracking behavior on.
func (ts *TaskScript) ReceivedUpdates() []task.UpdateRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]task.UpdateRequest(nil), ts.receivedUpdates...)
}

// DeleteSeen reports whether a DELETE has been received for this task
// and, if so, whether it requested abort.
func (ts *TaskScript) DeleteSeen() (seen bool, abort bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.deleteSeen, ts.deleteAbort
}

// recordRequestAndMaybeFault bumps the request counter, applies any due
// instance-id flip or version regression, and, if a reject or delay is
// due, writes the fault response itself and returns true so the caller
// skips its normal handling.
func (ts *TaskScript) recordRequestAndMaybeFault(w http.ResponseWriter) bool {
	ts.mu.Lock()
	ts.requestCount++
	n := ts.requestCount

	if ts.flipInstanceIDAfter > 0 && n >= ts.flipInstanceIDAfter && !ts.flipDone {
		ts.status.InstanceID = ts.flippedInstanceID
		ts.flipDone = true
	}
	if ts.regressVersionAfter > 0 && n >= ts.regressVersionAfter && !ts.regressDone {
		ts.status.Version = ts.regressVersionTo
		ts.regressDone = true
	}

	reject := ts.rejectAfter > 0 && n >= ts.rejectAfter
	rejectCode := ts.rejectStatusCode
	delay := time.Duration(0)
	if ts.delayAfter > 0 && n >= ts.delayAfter {
		delay = ts.delay
	}
	ts.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if reject {
		http.Error(w, "injected fault", rejectCode)
		return true
	}
	return false
}
