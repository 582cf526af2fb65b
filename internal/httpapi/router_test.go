package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/catwalk/internal/broadcast"
	"github.com/suPer8Hu/catwalk/internal/httpapi/handlers"
	"github.com/suPer8Hu/catwalk/internal/jobs"
	"github.com/suPer8Hu/catwalk/internal/store/redisstore"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type echoInput struct {
	Text string `json:"text" validate:"required"`
}

// memIdem is an in-process stand-in for the redis idempotency store.
type memIdem struct {
	mu   sync.Mutex
	keys map[string]uint64
}

func (m *memIdem) Claim(_ context.Context, key string) (bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	if !ok {
		m.keys[key] = 0
		return true, 0, nil
	}
	if id == 0 {
		return false, 0, redisstore.ErrInFlight
	}
	return false, id, nil
}

func (m *memIdem) Complete(_ context.Context, key string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = id
	return nil
}

func (m *memIdem) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type testServer struct {
	t      *testing.T
	r      *gin.Engine
	sched  *jobs.Scheduler
	idem   *memIdem
	events *broadcast.Broadcaster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := jobs.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	d := jobs.NewDispatcher()
	d.Register(jobs.Definition{
		Type: "echo",
		Executor: jobs.Handle(func(_ context.Context, _ *jobs.Job, in echoInput) jobs.Result {
			return jobs.Result{Output: map[string]string{"text": in.Text}}
		}),
	})

	events := broadcast.New(100)
	hub := broadcast.NewHub(16)
	events.AddSink("ws", hub)

	sched := jobs.NewScheduler(jobs.NewRepo(db), d, events)
	idem := &memIdem{keys: map[string]uint64{}}
	h := handlers.NewHandler(sched.Service, events, hub, idem, "v2/en_speaker_6")
	return &testServer{t: t, r: NewRouter(h, ""), sched: sched, idem: idem, events: events}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(method, path, body string, headers ...string) (int, envelope) {
	s.t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		s.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, env
}

func (s *testServer) job(method, path, body string, headers ...string) jobs.Job {
	s.t.Helper()
	code, env := s.do(method, path, body, headers...)
	if code != http.StatusOK {
		s.t.Fatalf("%s %s: status %d: %s", method, path, code, env.Message)
	}
	var j jobs.Job
	if err := json.Unmarshal(env.Data, &j); err != nil {
		s.t.Fatalf("decode job: %v", err)
	}
	return j
}

func (s *testServer) drain() {
	s.t.Helper()
	if _, err := s.sched.Worker.Drain(context.Background()); err != nil {
		s.t.Fatalf("drain: %v", err)
	}
}

func TestHealthAndInfo(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(http.MethodGet, "/v0/health?value=42", "")
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"value":"42"`) {
		t.Fatalf("unexpected health: %d %s", code, env.Data)
	}

	code, env = s.do(http.MethodGet, "/v1/info", "")
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"type":"echo"`) {
		t.Fatalf("unexpected info: %d %s", code, env.Data)
	}
	if code, _ := s.do(http.MethodOptions, "/v1/job", ""); code != http.StatusOK {
		t.Fatalf("expected options to describe job types, got %d", code)
	}
}

func TestCreateAndRunJob(t *testing.T) {
	s := newTestServer(t)

	created := s.job(http.MethodPost, "/v1/job", `{"type":"echo","input":{"text":"hi"}}`)
	if created.Status != jobs.StatusStarted {
		t.Fatalf("expected STARTED, got %s", created.Status)
	}
	s.drain()

	got := s.job(http.MethodGet, fmt.Sprintf("/v1/job/%d", created.ID), "")
	if got.Status != jobs.StatusComplete || string(got.Output) != `{"text":"hi"}` {
		t.Fatalf("unexpected job: %+v", got)
	}

	// input sent as a JSON string is accepted too
	str := s.job(http.MethodPost, "/v1/job", `{"type":"echo","input":"{\"text\":\"again\"}"}`)
	if string(str.Input) != `{"text":"again"}` {
		t.Fatalf("unexpected input: %s", str.Input)
	}
}

func TestCreateJobRejections(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		body string
		code int
	}{
		{`{"type":"nope","input":{}}`, http.StatusBadRequest},
		{`{"type":"echo","input":{}}`, http.StatusBadRequest},
		{`{"type":"echo","input":{"text":"x"},"parent_job":77}`, http.StatusBadRequest},
		{`{"input":{"text":"x"}}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, c := range cases {
		if code, env := s.do(http.MethodPost, "/v1/job", c.body); code != c.code || env.Code == 0 {
			t.Fatalf("%s: expected %d, got %d (%+v)", c.body, c.code, code, env)
		}
	}
	if n := s.sched.Queue.Len(); n != 0 {
		t.Fatalf("rejected requests queued %d jobs", n)
	}
}

func TestCreateJobIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	body := `{"type":"echo","input":{"text":"once"}}`

	first := s.job(http.MethodPost, "/v1/job", body, handlers.IdempotencyHeader, "k1")
	second := s.job(http.MethodPost, "/v1/job", body, handlers.IdempotencyHeader, "k1")
	if first.ID != second.ID {
		t.Fatalf("expected replay of job %d, got %d", first.ID, second.ID)
	}
	if n := s.sched.Queue.Len(); n != 1 {
		t.Fatalf("expected one queued job, got %d", n)
	}

	// a failed create releases the key
	if code, _ := s.do(http.MethodPost, "/v1/job", `{"type":"nope"}`, handlers.IdempotencyHeader, "k2"); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if _, held := s.idem.keys["k2"]; held {
		t.Fatalf("expected key released after failure")
	}

	s.idem.keys["k3"] = 0
	if code, _ := s.do(http.MethodPost, "/v1/job", body, handlers.IdempotencyHeader, "k3"); code != http.StatusConflict {
		t.Fatalf("expected in-flight key refused, got %d", code)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestServer(t)
	a := s.job(http.MethodPost, "/v1/job", `{"type":"echo","input":{"text":"a"}}`)
	b := s.job(http.MethodPost, "/v1/job", `{"type":"echo","input":{"text":"b"}}`)

	cancelled := s.job(http.MethodDelete, fmt.Sprintf("/v1/job/%d", a.ID), "")
	if cancelled.Status != jobs.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	shredded := s.job(http.MethodDelete, fmt.Sprintf("/v1/job/%d?shred=true", b.ID), "")
	if shredded.Status != jobs.StatusDeleted {
		t.Fatalf("expected DELETED, got %s", shredded.Status)
	}
	s.drain()

	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	_, env := s.do(http.MethodGet, "/v1/job", "")
	_ = json.Unmarshal(env.Data, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != a.ID {
		t.Fatalf("expected deleted job hidden, got %+v", list.Jobs)
	}
	_, env = s.do(http.MethodGet, "/v1/job?status=deleted", "")
	_ = json.Unmarshal(env.Data, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != b.ID {
		t.Fatalf("expected deleted job listed on request, got %+v", list.Jobs)
	}

	restarted := s.job(http.MethodPut, fmt.Sprintf("/v1/job/%d", a.ID), "")
	if restarted.Status != jobs.StatusStarted {
		t.Fatalf("expected STARTED, got %s", restarted.Status)
	}
	s.drain()
	if got := s.job(http.MethodGet, fmt.Sprintf("/v1/job/%d", a.ID), ""); got.Status != jobs.StatusComplete {
		t.Fatalf("expected rerun to complete, got %s", got.Status)
	}

	if code, _ := s.do(http.MethodPut, fmt.Sprintf("/v1/job/%d", b.ID), ""); code != http.StatusConflict {
		t.Fatalf("expected restart of deleted job refused, got %d", code)
	}
	if code, _ := s.do(http.MethodGet, "/v1/job/999", ""); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code, _ := s.do(http.MethodGet, "/v1/job/abc", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code, _ := s.do(http.MethodPatch, "/v1/job/1", ""); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}

func TestUpdateJob(t *testing.T) {
	s := newTestServer(t)
	j := s.job(http.MethodPost, "/v1/job", `{"type":"echo","input":{"text":"a"}}`)
	path := fmt.Sprintf("/v1/job/%d", j.ID)

	if code, _ := s.do(http.MethodPost, path, `{"status":"COMPLETE"}`); code != http.StatusConflict {
		t.Fatalf("expected STARTED -> COMPLETE refused, got %d", code)
	}
	if code, _ := s.do(http.MethodPost, path, `{"status":"WAITING_FOR_CHILDREN"}`); code != http.StatusConflict {
		t.Fatalf("expected worker-only status refused, got %d", code)
	}
	if code, _ := s.do(http.MethodPost, path, `{"status":"BOGUS"}`); code != http.StatusBadRequest {
		t.Fatalf("expected unknown status refused, got %d", code)
	}
	if code, _ := s.do(http.MethodPost, path, `{}`); code != http.StatusBadRequest {
		t.Fatalf("expected empty update refused, got %d", code)
	}

	got := s.job(http.MethodPost, path, `{"status":"cancelled","output":{"note":"manual"}}`)
	if got.Status != jobs.StatusCancelled || string(got.Output) != `{"note":"manual"}` {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestJobUpdatesWebsocket(t *testing.T) {
	s := newTestServer(t)
	created := s.job(http.MethodPost, "/v1/job", `{"type":"echo","input":{"text":"hi"}}`)

	srv := httptest.NewServer(s.r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/job/updates?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e broadcast.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read backlog: %v", err)
	}
	if e.ID != created.ID || e.Status != jobs.StatusStarted || e.Seq != 1 {
		t.Fatalf("unexpected event: %+v", e)
	}

	if code, _ := s.do(http.MethodGet, "/v1/job/updates?since=x", ""); code != http.StatusBadRequest {
		t.Fatalf("expected bad since refused, got %d", code)
	}
}
