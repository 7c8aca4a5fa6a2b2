package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/report"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/pkg/dto"
)

// ObjectStore keeps uploaded images.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	DeleteObject(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// FaceExtractor turns a face crop into an embedding and a quality score.
type FaceExtractor interface {
	Extract(imageData []byte) ([]float32, float32, error)
}

type IdentityHandler struct {
	enroll   *enroll.Service
	repo     enroll.Repository
	engine   *attendance.Engine
	reporter *report.Reporter
	objects  ObjectStore
	// Extractor is set once the vision runtime is initialized. Without it
	// only precomputed embeddings are accepted.
	Extractor FaceExtractor
	now       func() time.Time
}

func NewIdentityHandler(svc *enroll.Service, repo enroll.Repository, engine *attendance.Engine, reporter *report.Reporter, objects ObjectStore) *IdentityHandler {
	return &IdentityHandler{
		enroll:   svc,
		repo:     repo,
		engine:   engine,
		reporter: reporter,
		objects:  objects,
		now:      time.Now,
	}
}

func identityResponse(id models.Identity, faces int, voice bool) dto.IdentityResponse {
	return dto.IdentityResponse{
		ID:          id.ID,
		ExternalRef: id.ExternalRef,
		Name:        id.Name,
		UserType:    id.UserType,
		FaceCount:   faces,
		HasVoice:    voice,
		CreatedAt:   dto.FormatTime(id.CreatedAt),
	}
}

func embeddingResponse(e *models.Embedding) dto.EmbeddingResponse {
	return dto.EmbeddingResponse{
		ID:         e.ID,
		IdentityID: e.IdentityID,
		Modality:   string(e.Modality),
		Quality:    e.Quality,
		SourceKey:  e.SourceKey,
		CreatedAt:  dto.FormatTime(e.CreatedAt),
	}
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}

func (h *IdentityHandler) Register(c *gin.Context) {
	var req dto.RegisterIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.enroll.Register(c.Request.Context(), req.ExternalRef, req.Name, req.UserType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, identityResponse(*id, 0, false))
}

func (h *IdentityHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := h.repo.ListIdentities(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	faces, err := h.repo.ListEmbeddings(ctx, models.ModalityFace)
	if err != nil {
		respondError(c, err)
		return
	}
	voices, err := h.repo.ListEmbeddings(ctx, models.ModalityVoice)
	if err != nil {
		respondError(c, err)
		return
	}

	faceCount := make(map[uuid.UUID]int, len(ids))
	for _, f := range faces {
		faceCount[f.IdentityID]++
	}
	hasVoice := make(map[uuid.UUID]bool, len(voices))
	for _, v := range voices {
		hasVoice[v.IdentityID] = true
	}

	resp := make([]dto.IdentityResponse, 0, len(ids))
	for _, id := range ids {
		resp = append(resp, identityResponse(id, faceCount[id.ID], hasVoice[id.ID]))
	}
	c.JSON(http.StatusOK, gin.H{"identities": resp, "total": len(resp)})
}

func (h *IdentityHandler) Get(c *gin.Context) {
	identityID, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	id, err := h.repo.GetIdentity(ctx, identityID)
	if err != nil {
		respondError(c, err)
		return
	}
	if id == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}

	embs, err := h.repo.ListIdentityEmbeddings(ctx, identityID)
	if err != nil {
		respondError(c, err)
		return
	}
	faces, voice := 0, false
	for _, e := range embs {
		switch e.Modality {
		case models.ModalityFace:
			faces++
		case models.ModalityVoice:
			voice = true
		}
	}
	c.JSON(http.StatusOK, identityResponse(*id, faces, voice))
}

// Delete removes the identity, its references and its enrollment photos.
// Sessions are kept for reporting.
func (h *IdentityHandler) Delete(c *gin.Context) {
	identityID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.enroll.Delete(c.Request.Context(), identityID); err != nil {
		respondError(c, err)
		return
	}
	if h.objects != nil {
		if err := h.objects.DeletePrefix(c.Request.Context(), storage.EnrollmentPrefix(identityID)); err != nil {
			slog.Warn("failed to delete enrollment photos", "identity_id", identityID, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// AddFace enrolls a face reference either from a multipart "image" upload
// or from a JSON body carrying a precomputed embedding.
func (h *IdentityHandler) AddFace(c *gin.Context) {
	identityID, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		vec       []float32
		quality   float32
		sourceKey string
	)

	if c.ContentType() == "multipart/form-data" {
		file, header, err := c.Request.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
			return
		}
		defer file.Close()

		imageData, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read image failed"})
			return
		}
		if h.Extractor == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vision runtime not initialized"})
			return
		}

		vec, quality, err = h.Extractor.Extract(imageData)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "failed to extract face: " + err.Error()})
			return
		}

		if h.objects != nil {
			sourceKey = storage.EnrollmentKey(identityID, uuid.New())
			if err := h.objects.PutObject(ctx, sourceKey, imageData, header.Header.Get("Content-Type")); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "store image failed"})
				return
			}
		}
	} else {
		var req dto.EmbeddingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		vec, quality = req.Embedding, req.Quality
	}

	e, err := h.enroll.AddFace(ctx, identityID, vec, quality, sourceKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, embeddingResponse(e))
}

func (h *IdentityHandler) ListFaces(c *gin.Context) {
	identityID, ok := parseID(c, "id")
	if !ok {
		return
	}

	embs, err := h.repo.ListIdentityEmbeddings(c.Request.Context(), identityID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.EmbeddingResponse, 0, len(embs))
	for i := range embs {
		if embs[i].Modality == models.ModalityFace {
			resp = append(resp, embeddingResponse(&embs[i]))
		}
	}
	c.JSON(http.StatusOK, gin.H{"faces": resp, "total": len(resp)})
}

func (h *IdentityHandler) DeleteFace(c *gin.Context) {
	identityID, ok := parseID(c, "id")
	if !ok {
		return
	}
	faceID, ok := parseID(c, "faceId")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var sourceKey string
	if h.objects != nil {
		if embs, err := h.repo.ListIdentityEmbeddings(ctx, identityID); err == nil {
			for _, e := range embs {
				if e.ID == faceID {
					sourceKey = e.SourceKey
				}
			}
		}
	}

	if err := h.enroll.RemoveFace(ctx, identityID, faceID); err != nil {
		respondError(c, err)
		return
	}
	if sourceKey != "" {
		if err := h.objects.DeleteObject(ctx, sourceKey); err != nil {
			slog.Warn("failed to delete enrollment photo", "key", sourceKey, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// SetVoice replaces the identity's voice reference.
func (h *IdentityHandler) SetVoice(c *gin.Context) {
	identityID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req dto.EmbeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e, err := h.enroll.SetVoice(c.Request.Context(), identityID, req.Embedding, "")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, embeddingResponse(e))
}

// Status reports the identity's attendance state for ?date= (default today).
func (h *IdentityHandler) Status(c *gin.Context) {
	identityID, ok := parseID(c, "id")
	if !ok {
		return
	}
	now := h.now()
	day := c.DefaultQuery("date", h.engine.DayOf(now))
	if _, err := time.Parse(models.DayLayout, day); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	st, err := h.engine.DayStatus(c.Request.Context(), identityID, day, now)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.DayStatusResponse{
		IdentityID: identityID,
		Date:       st.Day,
		Status:     string(st.State),
		Reason:     st.Reason,
	}
	if st.Session != nil {
		s := dto.NewSessionResponse(*st.Session, h.engine.Classifier().Label)
		resp.Session = &s
	}
	c.JSON(http.StatusOK, resp)
}

// Calendar returns the monthly attendance calendar for ?year=&month=,
// defaulting to the current month.
func (h *IdentityHandler) Calendar(c *gin.Context) {
	identityID, ok := parseID(c, "id")
	if !ok {
		return
	}
	now := h.now()
	local := now.In(h.engine.Location())

	year, err := strconv.Atoi(c.DefaultQuery("year", strconv.Itoa(local.Year())))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid year"})
		return
	}
	month, err := strconv.Atoi(c.DefaultQuery("month", strconv.Itoa(int(local.Month()))))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid month"})
		return
	}

	cal, err := h.reporter.Monthly(c.Request.Context(), identityID, year, time.Month(month), now)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cal)
}
