package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/checkin"
	"github.com/your-org/attend/internal/embeddings"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/pkg/dto"
)

// CapturePublisher queues captures for the worker.
type CapturePublisher interface {
	PublishCapture(ctx context.Context, task *models.CaptureTask) error
}

type CaptureHandler struct {
	checkin   *checkin.Service
	matcher   *matcher.Matcher
	store     *embeddings.Store
	publisher CapturePublisher
	objects   ObjectStore
	now       func() time.Time
}

// NewCaptureHandler builds the kiosk endpoints. publisher and objects may be
// nil, in which case captures are only processed synchronously.
func NewCaptureHandler(svc *checkin.Service, m *matcher.Matcher, store *embeddings.Store, publisher CapturePublisher, objects ObjectStore) *CaptureHandler {
	return &CaptureHandler{
		checkin:   svc,
		matcher:   m,
		store:     store,
		publisher: publisher,
		objects:   objects,
		now:       time.Now,
	}
}

type parsedCapture struct {
	capture     checkin.Capture
	contentType string
}

func (h *CaptureHandler) bind(c *gin.Context) (*parsedCapture, error) {
	var (
		req dto.CaptureRequest
		pc  parsedCapture
	)

	if c.ContentType() == "multipart/form-data" {
		req.CaptureID = c.PostForm("capture_id")
		req.KioskID = c.PostForm("kiosk_id")
		req.CapturedAt = c.PostForm("captured_at")
		if v := c.PostForm("voice_embedding"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.VoiceEmbedding); err != nil {
				return nil, errors.New("voice_embedding must be a JSON array")
			}
		}
		file, header, err := c.Request.FormFile("image")
		if err != nil {
			return nil, errors.New("image file required")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, err
		}
		pc.capture.FaceImage = data
		pc.contentType = header.Header.Get("Content-Type")
	} else if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}

	if req.CaptureID == "" {
		req.CaptureID = uuid.New().String()
	}
	if req.KioskID == "" {
		req.KioskID = "unknown"
	}
	capturedAt := h.now().UTC()
	if req.CapturedAt != "" {
		t, err := time.Parse(time.RFC3339, req.CapturedAt)
		if err != nil {
			return nil, errors.New("captured_at must be RFC 3339")
		}
		capturedAt = t
	}

	pc.capture.CaptureID = req.CaptureID
	pc.capture.KioskID = req.KioskID
	pc.capture.CapturedAt = capturedAt
	pc.capture.FaceEmbedding = req.FaceEmbedding
	pc.capture.VoiceEmbedding = req.VoiceEmbedding
	return &pc, nil
}

// Create processes a kiosk capture. With ?async=true the capture is queued
// for the worker and 202 is returned; otherwise the attendance outcome is
// returned directly.
func (h *CaptureHandler) Create(c *gin.Context) {
	pc, err := h.bind(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	observability.CapturesReceived.WithLabelValues("http").Inc()

	if c.Query("async") == "true" {
		h.enqueue(c, pc)
		return
	}

	out, err := h.checkin.Process(c.Request.Context(), pc.capture)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.CaptureResponse{
		CaptureID:   pc.capture.CaptureID,
		Action:      string(out.Action),
		IdentityID:  out.Identity.ID,
		ExternalRef: out.Identity.ExternalRef,
		Name:        out.Identity.Name,
		FaceScore:   out.FaceScore,
		VoiceScore:  out.VoiceScore,
		Ambiguous:   out.Ambiguous,
		Contenders:  out.Contenders,
	}
	if out.Session != nil {
		s := dto.NewSessionResponse(*out.Session, nil)
		resp.Session = &s
	}
	if out.Closed != nil {
		s := dto.NewSessionResponse(*out.Closed, nil)
		resp.Closed = &s
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CaptureHandler) enqueue(c *gin.Context, pc *parsedCapture) {
	if h.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture queue not configured"})
		return
	}
	ctx := c.Request.Context()
	cp := pc.capture

	task := &models.CaptureTask{
		CaptureID:      cp.CaptureID,
		KioskID:        cp.KioskID,
		CapturedAt:     cp.CapturedAt,
		FaceEmbedding:  cp.FaceEmbedding,
		VoiceEmbedding: cp.VoiceEmbedding,
	}
	if len(cp.FaceImage) > 0 {
		if h.objects == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		task.ImageKey = storage.CaptureKey(cp.KioskID, cp.CaptureID, cp.CapturedAt)
		if err := h.objects.PutObject(ctx, task.ImageKey, cp.FaceImage, pc.contentType); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store image failed"})
			return
		}
	}
	if len(task.FaceEmbedding) == 0 && task.ImageKey == "" {
		respondError(c, checkin.ErrNoFaceInput)
		return
	}

	if err := h.publisher.PublishCapture(ctx, task); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue capture failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, dto.CaptureAccepted{CaptureID: task.CaptureID, Status: "queued"})
}

// Match identifies an embedding without touching any session.
func (h *CaptureHandler) Match(c *gin.Context) {
	var req dto.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	modality := models.ModalityFace
	if req.Modality != "" {
		modality = models.Modality(req.Modality)
	}

	res, err := h.matcher.Match(req.Embedding, modality, h.store.Candidates(modality))
	var nm *matcher.NoMatchError
	switch {
	case errors.As(err, &nm):
		c.JSON(http.StatusOK, dto.MatchResponse{Score: nm.BestScore, Threshold: nm.Threshold})
		return
	case err != nil:
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.MatchResponse{
		Matched:     true,
		IdentityID:  res.IdentityID,
		ExternalRef: res.ExternalRef,
		Name:        res.Name,
		Score:       res.Score,
		Threshold:   h.matcher.Threshold(modality),
		Ambiguous:   res.Ambiguous,
		Contenders:  res.Contenders,
	})
}
