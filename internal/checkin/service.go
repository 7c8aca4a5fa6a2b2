// Package checkin turns a kiosk capture into an attendance transition:
// face match, optional voice confirmation, session state machine, audit and
// notification.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/embeddings"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
)

var (
	ErrNoFaceInput      = errors.New("capture has neither face image nor face embedding")
	ErrVoiceRequired    = errors.New("voice confirmation required")
	ErrVoiceNotEnrolled = errors.New("identity has no voice reference")
	ErrVoiceMismatch    = errors.New("voice does not confirm the face match")
	ErrFaceExtraction   = errors.New("face embedding could not be extracted")
)

type AuditLog interface {
	InsertMatchAudit(ctx context.Context, a *models.MatchAudit) error
}

type Publisher interface {
	PublishAttendance(ctx context.Context, ev *models.AttendanceEvent) error
}

type FaceEmbedder interface {
	Extract(imageData []byte) ([]float32, float32, error)
}

type ImageLoader interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	// RequireVoice rejects captures without a confirming voice sample.
	RequireVoice bool
}

// Capture is one recognition attempt from a kiosk.
type Capture struct {
	CaptureID      string
	KioskID        string
	CapturedAt     time.Time
	FaceImage      []byte
	FaceEmbedding  []float32
	VoiceEmbedding []float32
}

// Outcome is the result of a processed capture.
type Outcome struct {
	Action     models.AttendanceAction
	Identity   models.Identity
	FaceScore  float64
	VoiceScore float64
	Ambiguous  bool
	Contenders []string
	Session    *models.Session
	Closed     *models.Session
}

type Service struct {
	matcher   *matcher.Matcher
	store     *embeddings.Store
	engine    *attendance.Engine
	audit     AuditLog
	publisher Publisher
	embedder  FaceEmbedder
	images    ImageLoader
	cfg       Config
	now       func() time.Time
}

type Option func(*Service)

func WithAudit(a AuditLog) Option { return func(s *Service) { s.audit = a } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithFaceEmbedder(e FaceEmbedder) Option { return func(s *Service) { s.embedder = e } }

func WithImageLoader(l ImageLoader) Option { return func(s *Service) { s.images = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(m *matcher.Matcher, store *embeddings.Store, engine *attendance.Engine, cfg Config, opts ...Option) *Service {
	s := &Service{
		matcher: m,
		store:   store,
		engine:  engine,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process matches a capture and applies it to the identity's session.
func (s *Service) Process(ctx context.Context, c Capture) (*Outcome, error) {
	probe, err := s.faceProbe(c)
	if err != nil {
		return nil, err
	}

	res, err := s.matcher.Match(probe, models.ModalityFace, s.store.Candidates(models.ModalityFace))
	if err != nil {
		s.observeMatch(models.ModalityFace, err, nil)
		return nil, err
	}
	s.observeMatch(models.ModalityFace, nil, res)

	out := &Outcome{
		FaceScore:  res.Score,
		Ambiguous:  res.Ambiguous,
		Contenders: res.Contenders,
	}
	if id, ok := s.store.Identity(res.IdentityID); ok {
		out.Identity = id
	} else {
		out.Identity = models.Identity{ID: res.IdentityID, ExternalRef: res.ExternalRef, Name: res.Name}
	}

	if res.Ambiguous {
		s.recordAmbiguous(ctx, c.CaptureID, res)
	}

	voiceScore, err := s.confirmVoice(res.IdentityID, c.VoiceEmbedding)
	if err != nil {
		return nil, err
	}
	out.VoiceScore = voiceScore

	matchedAt := c.CapturedAt
	if matchedAt.IsZero() {
		matchedAt = s.now()
	}

	r, err := s.engine.RecordEvent(ctx, res.IdentityID, matchedAt)
	if err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	out.Action = r.Action
	out.Session = r.Session
	out.Closed = r.Closed

	slog.Info("capture processed",
		"capture_id", c.CaptureID,
		"kiosk_id", c.KioskID,
		"identity_id", res.IdentityID,
		"action", r.Action,
		"face_score", res.Score,
		"ambiguous", res.Ambiguous,
	)

	if r.Closed != nil {
		s.publish(ctx, s.event(models.ActionAutoAbsent, out.Identity, *r.Closed, c, out))
	}
	switch r.Action {
	case models.ActionLogin, models.ActionLogout:
		s.publish(ctx, s.event(r.Action, out.Identity, *r.Session, c, out))
	}
	return out, nil
}

// ProcessTask handles a capture task from the queue, loading the face image
// from object storage when the task carries only its key.
func (s *Service) ProcessTask(ctx context.Context, task *models.CaptureTask) (*Outcome, error) {
	c := Capture{
		CaptureID:      task.CaptureID,
		KioskID:        task.KioskID,
		CapturedAt:     task.CapturedAt,
		FaceEmbedding:  task.FaceEmbedding,
		VoiceEmbedding: task.VoiceEmbedding,
	}
	if len(c.FaceEmbedding) == 0 && task.ImageKey != "" {
		if s.images == nil {
			return nil, errors.New("image storage not configured")
		}
		data, err := s.images.GetObject(ctx, task.ImageKey)
		if err != nil {
			return nil, fmt.Errorf("load capture image: %w", err)
		}
		c.FaceImage = data
	}
	return s.Process(ctx, c)
}

// NotifyClosed publishes the auto-absence of a session closed by the sweeper.
func (s *Service) NotifyClosed(ctx context.Context, sess models.Session) {
	id, ok := s.store.Identity(sess.IdentityID)
	if !ok {
		id = models.Identity{ID: sess.IdentityID}
	}
	s.publish(ctx, &models.AttendanceEvent{
		Action:      models.ActionAutoAbsent,
		IdentityID:  sess.IdentityID,
		ExternalRef: id.ExternalRef,
		Name:        id.Name,
		Session:     sess,
		OccurredAt:  s.now().UTC(),
	})
}

func (s *Service) faceProbe(c Capture) ([]float32, error) {
	if len(c.FaceEmbedding) > 0 {
		return c.FaceEmbedding, nil
	}
	if len(c.FaceImage) == 0 {
		return nil, ErrNoFaceInput
	}
	if s.embedder == nil {
		return nil, errors.New("face embedder not configured")
	}
	vec, _, err := s.embedder.Extract(c.FaceImage)
	if err != nil {
		// Runtime failures say nothing about the capture and stay retryable.
		var tmp interface{ Temporary() bool }
		if errors.As(err, &tmp) && tmp.Temporary() {
			return nil, fmt.Errorf("extract face embedding: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrFaceExtraction, err)
	}
	return vec, nil
}

// confirmVoice checks the voice sample against the matched identity only.
func (s *Service) confirmVoice(identityID uuid.UUID, sample []float32) (float64, error) {
	if len(sample) == 0 {
		if s.cfg.RequireVoice {
			return 0, ErrVoiceRequired
		}
		return 0, nil
	}

	ref, ok := s.store.Reference(identityID, models.ModalityVoice)
	if !ok {
		if s.cfg.RequireVoice {
			return 0, ErrVoiceNotEnrolled
		}
		return 0, nil
	}

	score, err := s.matcher.Verify(sample, models.ModalityVoice, ref)
	if err != nil {
		s.observeMatch(models.ModalityVoice, err, nil)
		if errors.Is(err, matcher.ErrNoMatch) {
			return 0, fmt.Errorf("%w: %w", ErrVoiceMismatch, err)
		}
		return 0, err
	}
	s.observeMatch(models.ModalityVoice, nil, &matcher.Result{Score: score})
	return score, nil
}

func (s *Service) recordAmbiguous(ctx context.Context, captureID string, res *matcher.Result) {
	observability.AmbiguousMatches.Inc()
	slog.Warn("ambiguous match resolved by external reference",
		"capture_id", captureID,
		"chosen", res.ExternalRef,
		"contenders", res.Contenders,
		"score", res.Score,
	)
	if s.audit == nil {
		return
	}
	a := &models.MatchAudit{
		ID:         uuid.New(),
		Modality:   models.ModalityFace,
		ChosenID:   res.IdentityID,
		Contenders: res.Contenders,
		Score:      res.Score,
		CaptureID:  captureID,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.audit.InsertMatchAudit(ctx, a); err != nil {
		slog.Error("failed to write match audit", "capture_id", captureID, "error", err)
	}
}

func (s *Service) event(action models.AttendanceAction, id models.Identity, sess models.Session, c Capture, out *Outcome) *models.AttendanceEvent {
	return &models.AttendanceEvent{
		Action:      action,
		IdentityID:  id.ID,
		ExternalRef: id.ExternalRef,
		Name:        id.Name,
		Session:     sess,
		CaptureID:   c.CaptureID,
		KioskID:     c.KioskID,
		FaceScore:   out.FaceScore,
		VoiceScore:  out.VoiceScore,
		Ambiguous:   out.Ambiguous,
		OccurredAt:  s.now().UTC(),
	}
}

func (s *Service) publish(ctx context.Context, ev *models.AttendanceEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishAttendance(ctx, ev); err != nil {
		slog.Error("failed to publish attendance event", "action", ev.Action, "session_id", ev.Session.ID, "error", err)
	}
}

func (s *Service) observeMatch(modality models.Modality, err error, res *matcher.Result) {
	mod := string(modality)
	var nm *matcher.NoMatchError
	switch {
	case err == nil:
		observability.MatchScore.WithLabelValues(mod).Observe(res.Score)
		outcome := "matched"
		if res.Ambiguous {
			outcome = "ambiguous"
		}
		observability.MatchOutcomes.WithLabelValues(mod, outcome).Inc()
	case errors.As(err, &nm):
		observability.MatchScore.WithLabelValues(mod).Observe(nm.BestScore)
		observability.MatchOutcomes.WithLabelValues(mod, "no_match").Inc()
	default:
		observability.MatchOutcomes.WithLabelValues(mod, "rejected").Inc()
	}
}

// IsRejection reports whether err is a final verdict on the capture itself
// rather than an infrastructure failure worth retrying.
func IsRejection(err error) bool {
	var dm *matcher.DimensionMismatchError
	return errors.Is(err, matcher.ErrNoMatch) ||
		errors.Is(err, matcher.ErrMalformedEmbedding) ||
		errors.Is(err, matcher.ErrUnknownModality) ||
		errors.As(err, &dm) ||
		errors.Is(err, ErrNoFaceInput) ||
		errors.Is(err, ErrFaceExtraction) ||
		errors.Is(err, ErrVoiceRequired) ||
		errors.Is(err, ErrVoiceNotEnrolled) ||
		errors.Is(err, ErrVoiceMismatch) ||
		errors.Is(err, attendance.ErrOutOfOrder)
}
