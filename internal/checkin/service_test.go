package checkin

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/embeddings"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/storage/memstore"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []models.AttendanceEvent
}

func (p *fakePublisher) PublishAttendance(ctx context.Context, ev *models.AttendanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return nil
}

func (p *fakePublisher) actions() []models.AttendanceAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.AttendanceAction, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Action)
	}
	return out
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Extract(data []byte) ([]float32, float32, error) {
	return f.vec, 1, f.err
}

type fakeImages map[string][]byte

func (f fakeImages) GetObject(ctx context.Context, key string) ([]byte, error) {
	data, ok := f[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

type fixture struct {
	svc       *Service
	repo      *memstore.Store
	store     *embeddings.Store
	publisher *fakePublisher
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	repo := memstore.New()
	store := embeddings.NewStore(nil)
	m := matcher.New(map[models.Modality]matcher.Settings{
		models.ModalityFace:  {Dim: 2, Threshold: 0.62},
		models.ModalityVoice: {Dim: 2, Threshold: 0.68},
	})
	engine := attendance.NewEngine(repo, attendance.Config{})
	pub := &fakePublisher{}

	opts = append([]Option{WithAudit(repo), WithPublisher(pub)}, opts...)
	return &fixture{
		svc:       NewService(m, store, engine, cfg, opts...),
		repo:      repo,
		store:     store,
		publisher: pub,
	}
}

func (f *fixture) enroll(t *testing.T, ref string, face []float32, voice []float32) models.Identity {
	t.Helper()
	id := models.Identity{ID: uuid.New(), ExternalRef: ref, Name: ref}
	f.store.PutIdentity(id)
	require.NoError(t, f.store.AddFace(id.ID, uuid.New(), face))
	if voice != nil {
		require.NoError(t, f.store.SetVoice(id.ID, voice))
	}
	return id
}

func day(hour, minute int) time.Time {
	return time.Date(2024, 3, 4, hour, minute, 0, 0, time.UTC)
}

func TestProcess_LoginAndLogout(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.enroll(t, "alice@example.com", []float32{1, 0}, nil)
	ctx := context.Background()

	out, err := f.svc.Process(ctx, Capture{CaptureID: "c1", FaceEmbedding: unitAt(0.9), CapturedAt: day(9, 0)})
	require.NoError(t, err)
	assert.Equal(t, models.ActionLogin, out.Action)
	assert.Equal(t, alice.ID, out.Identity.ID)
	assert.InDelta(t, 0.9, out.FaceScore, 1e-6)

	out, err = f.svc.Process(ctx, Capture{CaptureID: "c2", FaceEmbedding: unitAt(0.8), CapturedAt: day(17, 30)})
	require.NoError(t, err)
	assert.Equal(t, models.ActionLogout, out.Action)
	assert.Equal(t, 510, *out.Session.DurationMinutes)
	assert.Equal(t, models.DayLabelFullDay, out.Session.DayLabel)

	assert.Equal(t, []models.AttendanceAction{models.ActionLogin, models.ActionLogout}, f.publisher.actions())
}

func TestProcess_NoMatchLeavesSessionsUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	f.enroll(t, "alice@example.com", []float32{1, 0}, nil)

	_, err := f.svc.Process(context.Background(), Capture{FaceEmbedding: unitAt(0.59), CapturedAt: day(9, 0)})
	require.ErrorIs(t, err, matcher.ErrNoMatch)
	assert.True(t, IsRejection(err))

	sessions, err := f.repo.ListByDate(context.Background(), "2024-03-04")
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, f.publisher.actions())
}

func TestProcess_AmbiguousMatchIsAudited(t *testing.T) {
	f := newFixture(t, Config{})
	v := []float32{1, 0}
	amy := f.enroll(t, "amy@example.com", v, nil)
	f.enroll(t, "zed@example.com", v, nil)
	ctx := context.Background()

	out, err := f.svc.Process(ctx, Capture{CaptureID: "cap-7", FaceEmbedding: unitAt(0.7), CapturedAt: day(9, 0)})
	require.NoError(t, err)
	assert.Equal(t, amy.ID, out.Identity.ID)
	assert.True(t, out.Ambiguous)

	audits, err := f.repo.ListMatchAudits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "cap-7", audits[0].CaptureID)
	assert.Equal(t, amy.ID, audits[0].ChosenID)
	assert.Equal(t, []string{"amy@example.com", "zed@example.com"}, audits[0].Contenders)
}

func TestProcess_VoiceConfirmation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		voice   []float32
		sample  []float32
		wantErr error
	}{
		{name: "optional and absent", cfg: Config{}},
		{name: "optional, not enrolled", cfg: Config{}, sample: []float32{1, 0}},
		{name: "confirmed", cfg: Config{}, voice: []float32{1, 0}, sample: unitAt(0.9)},
		{name: "mismatch", cfg: Config{}, voice: []float32{1, 0}, sample: unitAt(0.65), wantErr: ErrVoiceMismatch},
		{name: "required but missing", cfg: Config{RequireVoice: true}, voice: []float32{1, 0}, wantErr: ErrVoiceRequired},
		{name: "required, not enrolled", cfg: Config{RequireVoice: true}, sample: []float32{1, 0}, wantErr: ErrVoiceNotEnrolled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg)
			f.enroll(t, "alice@example.com", []float32{1, 0}, tt.voice)

			out, err := f.svc.Process(context.Background(), Capture{
				FaceEmbedding:  unitAt(0.9),
				VoiceEmbedding: tt.sample,
				CapturedAt:     day(9, 0),
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsRejection(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.ActionLogin, out.Action)
		})
	}
}

func TestProcess_VoiceNeverSufficientAlone(t *testing.T) {
	f := newFixture(t, Config{})
	f.enroll(t, "alice@example.com", []float32{1, 0}, []float32{0, 1})

	_, err := f.svc.Process(context.Background(), Capture{VoiceEmbedding: []float32{0, 1}, CapturedAt: day(9, 0)})
	assert.ErrorIs(t, err, ErrNoFaceInput)
}

func TestProcess_StaleSessionPublishesAutoAbsent(t *testing.T) {
	f := newFixture(t, Config{})
	f.enroll(t, "alice@example.com", []float32{1, 0}, nil)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, Capture{FaceEmbedding: []float32{1, 0}, CapturedAt: day(9, 0)})
	require.NoError(t, err)

	out, err := f.svc.Process(ctx, Capture{FaceEmbedding: []float32{1, 0}, CapturedAt: day(9, 0).Add(24 * time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, out.Closed)

	assert.Equal(t, []models.AttendanceAction{
		models.ActionLogin, models.ActionAutoAbsent, models.ActionLogin,
	}, f.publisher.actions())
}

func TestProcessTask_LoadsImage(t *testing.T) {
	images := fakeImages{"captures/k1/c1.jpg": []byte("jpeg")}
	f := newFixture(t, Config{}, WithFaceEmbedder(fakeEmbedder{vec: []float32{1, 0}}), WithImageLoader(images))
	f.enroll(t, "alice@example.com", []float32{1, 0}, nil)

	out, err := f.svc.ProcessTask(context.Background(), &models.CaptureTask{
		CaptureID:  "c1",
		KioskID:    "k1",
		CapturedAt: day(9, 0),
		ImageKey:   "captures/k1/c1.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionLogin, out.Action)

	_, err = f.svc.ProcessTask(context.Background(), &models.CaptureTask{CaptureID: "c2", ImageKey: "missing"})
	require.Error(t, err)
	assert.False(t, IsRejection(err), "storage failures are retried")
}

func TestProcess_UnreadableImageIsRejected(t *testing.T) {
	f := newFixture(t, Config{}, WithFaceEmbedder(fakeEmbedder{err: errors.New("no face found")}))
	f.enroll(t, "alice@example.com", []float32{1, 0}, nil)

	_, err := f.svc.Process(context.Background(), Capture{FaceImage: []byte("blurry"), CapturedAt: day(9, 0)})
	require.ErrorIs(t, err, ErrFaceExtraction)
	assert.True(t, IsRejection(err))
	assert.ErrorContains(t, err, "no face found")
}

type runtimeFailure struct{}

func (runtimeFailure) Error() string   { return "onnx session busy" }
func (runtimeFailure) Temporary() bool { return true }

func TestProcess_EmbedderRuntimeFailureIsRetryable(t *testing.T) {
	f := newFixture(t, Config{}, WithFaceEmbedder(fakeEmbedder{err: runtimeFailure{}}))
	f.enroll(t, "alice@example.com", []float32{1, 0}, nil)

	_, err := f.svc.Process(context.Background(), Capture{FaceImage: []byte("jpeg"), CapturedAt: day(9, 0)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFaceExtraction)
	assert.False(t, IsRejection(err), "queued capture must be redelivered")
}

func TestProcess_RepositoryFailureIsNotRejection(t *testing.T) {
	f := newFixture(t, Config{})
	f.enroll(t, "alice@example.com", []float32{1, 0}, nil)
	f.repo.SetErr(errors.New("db down"))

	_, err := f.svc.Process(context.Background(), Capture{FaceEmbedding: []float32{1, 0}, CapturedAt: day(9, 0)})
	require.ErrorIs(t, err, attendance.ErrRepositoryUnavailable)
	assert.False(t, IsRejection(err))
}

func TestNotifyClosed(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.enroll(t, "alice@example.com", []float32{1, 0}, nil)

	f.svc.NotifyClosed(context.Background(), models.Session{ID: uuid.New(), IdentityID: alice.ID})

	require.Len(t, f.publisher.events, 1)
	ev := f.publisher.events[0]
	assert.Equal(t, models.ActionAutoAbsent, ev.Action)
	assert.Equal(t, "alice@example.com", ev.ExternalRef)
}
