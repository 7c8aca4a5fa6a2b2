package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/attend/internal/api/handlers"
	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/checkin"
	"github.com/your-org/attend/internal/embeddings"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/report"
	"github.com/your-org/attend/internal/storage/memstore"
	"github.com/your-org/attend/pkg/dto"
)

const (
	adminKey = "admin-secret"
	kioskKey = "kiosk-secret"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []models.CaptureTask
}

func (q *fakeQueue) PublishCapture(ctx context.Context, task *models.CaptureTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, *task)
	return nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (o *fakeObjects) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	return nil
}

func (o *fakeObjects) DeleteObject(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

func (o *fakeObjects) DeletePrefix(ctx context.Context, prefix string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for k := range o.objects {
		if strings.HasPrefix(k, prefix) {
			delete(o.objects, k)
		}
	}
	return nil
}

type fakeExtractor struct{ vec []float32 }

func (f fakeExtractor) Extract(data []byte) ([]float32, float32, error) {
	return f.vec, 0.9, nil
}

type testServer struct {
	router  *gin.Engine
	repo    *memstore.Store
	queue   *fakeQueue
	objects *fakeObjects

	mu     sync.Mutex
	closed []models.Session
}

func newTestServer(t *testing.T, checks ...handlers.Check) *testServer {
	t.Helper()
	repo := memstore.New()
	store := embeddings.NewStore(repo)
	m := matcher.New(map[models.Modality]matcher.Settings{
		models.ModalityFace:  {Dim: 2, Threshold: 0.62},
		models.ModalityVoice: {Dim: 2, Threshold: 0.68},
	})
	engine := attendance.NewEngine(repo, attendance.Config{})

	ts := &testServer{
		repo:    repo,
		queue:   &fakeQueue{},
		objects: &fakeObjects{objects: map[string][]byte{}},
	}
	ts.router = NewRouter(RouterConfig{
		APIKey:     adminKey,
		KioskKey:   kioskKey,
		Enroll:     enroll.NewService(repo, store, m, nil),
		Identities: repo,
		Checkin:    checkin.NewService(m, store, engine, checkin.Config{}, checkin.WithAudit(repo)),
		Matcher:    m,
		Store:      store,
		Engine:     engine,
		Reporter:   report.NewReporter(repo, repo, engine),
		Audits:     repo,
		Objects:    ts.objects,
		Publisher:  ts.queue,
		Extractor:  fakeExtractor{vec: []float32{0, 1}},
		Checks:     checks,
		OnClose: func(ctx context.Context, s models.Session) {
			ts.mu.Lock()
			ts.closed = append(ts.closed, s)
			ts.mu.Unlock()
		},
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) register(t *testing.T, ref string, face []float32) dto.IdentityResponse {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/identities", adminKey, dto.RegisterIdentityRequest{ExternalRef: ref, Name: ref})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[dto.IdentityResponse](t, w)

	if face != nil {
		w = ts.do(t, http.MethodPost, "/v1/identities/"+id.ID.String()+"/faces", adminKey, dto.EmbeddingRequest{Embedding: face})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	return id
}

func capture(at string, face []float32) dto.CaptureRequest {
	return dto.CaptureRequest{KioskID: "lobby", CapturedAt: at, FaceEmbedding: face}
}

func TestRouter_Auth(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/identities", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/v1/identities", kioskKey, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/identities", adminKey, nil).Code)

	// The kiosk key unlocks matching but nothing administrative.
	w := ts.do(t, http.MethodPost, "/v1/match", kioskKey, dto.MatchRequest{Embedding: []float32{1, 0}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RegisterIdentity(t *testing.T) {
	ts := newTestServer(t)

	id := ts.register(t, " Alice@Example.com ", nil)
	assert.Equal(t, "alice@example.com", id.ExternalRef)

	w := ts.do(t, http.MethodPost, "/v1/identities", adminKey, dto.RegisterIdentityRequest{ExternalRef: "alice@example.com", Name: "Other"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/identities", adminKey, map[string]string{"external_ref": "x@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/identities/not-a-uuid", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_FaceEnrollment(t *testing.T) {
	ts := newTestServer(t)
	id := ts.register(t, "bob@example.com", []float32{1, 0})
	base := "/v1/identities/" + id.ID.String()

	w := ts.do(t, http.MethodPost, base+"/faces", adminKey, dto.EmbeddingRequest{Embedding: []float32{1, 0, 0}})
	assert.Equal(t, http.StatusBadRequest, w.Code, "dimension mismatch")

	w = ts.do(t, http.MethodPost, base+"/faces", adminKey, dto.EmbeddingRequest{Embedding: []float32{0, 0}})
	assert.Equal(t, http.StatusBadRequest, w.Code, "zero norm")

	w = ts.do(t, http.MethodPost, "/v1/identities/00000000-0000-0000-0000-000000000001/faces", adminKey, dto.EmbeddingRequest{Embedding: []float32{1, 0}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Image upload goes through the extractor and object storage.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "face.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, base+"/faces", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-Key", adminKey)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	emb := decode[dto.EmbeddingResponse](t, rec)
	assert.NotEmpty(t, emb.SourceKey)
	assert.Contains(t, ts.objects.objects, emb.SourceKey)

	w = ts.do(t, http.MethodGet, base, adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[dto.IdentityResponse](t, w).FaceCount)

	w = ts.do(t, http.MethodPut, base+"/voice", adminKey, dto.EmbeddingRequest{Embedding: []float32{0, 1}})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, base, adminKey, nil)
	assert.True(t, decode[dto.IdentityResponse](t, w).HasVoice)

	w = ts.do(t, http.MethodDelete, base+"/faces/"+emb.ID.String(), adminKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, ts.objects.objects, emb.SourceKey, "photo is removed with its face")
	w = ts.do(t, http.MethodDelete, base+"/faces/"+emb.ID.String(), adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodDelete, base, adminKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ts.objects.objects, "enrollment photos are removed with the identity")
}

func TestRouter_CaptureLifecycle(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice@example.com", []float32{1, 0})

	w := ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("2024-03-04T09:00:00Z", []float32{1, 0}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	login := decode[dto.CaptureResponse](t, w)
	assert.Equal(t, "login", login.Action)
	assert.Equal(t, alice.ID, login.IdentityID)

	// Same capture replayed changes nothing.
	w = ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("2024-03-04T09:00:00Z", []float32{1, 0}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode[dto.CaptureResponse](t, w).Action)

	w = ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("2024-03-04T17:30:00Z", []float32{1, 0}))
	require.Equal(t, http.StatusOK, w.Code)
	logout := decode[dto.CaptureResponse](t, w)
	assert.Equal(t, "logout", logout.Action)
	require.NotNil(t, logout.Session)
	require.NotNil(t, logout.Session.DurationMinutes)
	assert.Equal(t, 510, *logout.Session.DurationMinutes)
	assert.Equal(t, "Full Day", logout.Session.DayLabel)

	w = ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("2024-03-04T18:00:00Z", []float32{1, 0}))
	assert.Equal(t, "day_completed", decode[dto.CaptureResponse](t, w).Action)

	w = ts.do(t, http.MethodGet, "/v1/identities/"+alice.ID.String()+"/status?date=2024-03-04", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "present", decode[dto.DayStatusResponse](t, w).Status)

	w = ts.do(t, http.MethodGet, "/v1/sessions?date=2024-03-04", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["total"])

	w = ts.do(t, http.MethodGet, "/v1/reports/daily?date=2024-03-04", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	daily := decode[struct {
		Rows []report.Row `json:"rows"`
	}](t, w)
	require.Len(t, daily.Rows, 1)
	assert.Equal(t, report.StatusPresent, daily.Rows[0].FinalStatus)

	w = ts.do(t, http.MethodGet, "/v1/identities/"+alice.ID.String()+"/calendar?year=2024&month=3", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["present_count"])
}

func TestRouter_CaptureRejections(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", []float32{1, 0})

	w := ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("2024-03-04T09:00:00Z", []float32{0, 1}))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode[map[string]any](t, w)
	assert.Contains(t, body, "best_score")
	assert.Equal(t, 0.62, body["threshold"])

	w = ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("2024-03-04T09:00:00Z", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code, "no face input")

	w = ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("yesterday", []float32{1, 0}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("2024-03-04T09:00:00Z", []float32{1, 0, 0}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.repo.SetErr(errors.New("db down"))
	w = ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture("2024-03-04T09:00:00Z", []float32{1, 0}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_AsyncCapture(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/captures?async=true", kioskKey, dto.CaptureRequest{
		CaptureID:     "cap-1",
		KioskID:       "lobby",
		FaceEmbedding: []float32{1, 0},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "cap-1", decode[dto.CaptureAccepted](t, w).CaptureID)

	require.Len(t, ts.queue.tasks, 1)
	assert.Equal(t, "lobby", ts.queue.tasks[0].KioskID)
	assert.Empty(t, ts.queue.tasks[0].ImageKey)

	w = ts.do(t, http.MethodPost, "/v1/captures?async=true", kioskKey, dto.CaptureRequest{KioskID: "lobby"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, ts.queue.tasks, 1)
}

func TestRouter_MatchDoesNotTouchSessions(t *testing.T) {
	ts := newTestServer(t)
	bob := ts.register(t, "bob@example.com", []float32{1, 0})

	w := ts.do(t, http.MethodPost, "/v1/match", kioskKey, dto.MatchRequest{Embedding: []float32{1, 0}})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[dto.MatchResponse](t, w)
	assert.True(t, res.Matched)
	assert.Equal(t, bob.ID, res.IdentityID)

	w = ts.do(t, http.MethodPost, "/v1/match", kioskKey, dto.MatchRequest{Embedding: []float32{0, 1}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[dto.MatchResponse](t, w).Matched)

	w = ts.do(t, http.MethodPost, "/v1/match", kioskKey, dto.MatchRequest{Modality: "iris", Embedding: []float32{1, 0}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	sessions, err := ts.repo.ListOpen(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRouter_SweepAndExport(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "carol@example.com", []float32{1, 0})

	stale := time.Now().Add(-10 * time.Hour).UTC()
	w := ts.do(t, http.MethodPost, "/v1/captures", kioskKey, capture(stale.Format(time.RFC3339), []float32{1, 0}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/v1/sweep", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sweep := decode[dto.SweepResponse](t, w)
	require.Len(t, sweep.Closed, 1)
	assert.Equal(t, "absent_fault", sweep.Closed[0].Status)
	assert.Len(t, ts.closed, 1)

	w = ts.do(t, http.MethodPost, "/v1/sweep", adminKey, nil)
	assert.Empty(t, decode[dto.SweepResponse](t, w).Closed, "second sweep is a no-op")

	day := stale.Format(models.DayLayout)
	w = ts.do(t, http.MethodGet, "/v1/reports/export?start_date="+day+"&end_date="+day, adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attendance_"+day+".csv")
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Date,Name,Email"))
	assert.Contains(t, lines[1], "Absent (Forgot Logout)")

	w = ts.do(t, http.MethodGet, "/v1/reports/export?start_date=2024-03-05&end_date=2024-03-01", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Readyz(t *testing.T) {
	ts := newTestServer(t,
		handlers.Check{Name: "postgres", Ping: func(ctx context.Context) error { return nil }},
		handlers.Check{Name: "nats", Ping: func(ctx context.Context) error { return errors.New("no servers available") }},
	)

	w := ts.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]any](t, w)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "no servers available", checks["nats"])
}
