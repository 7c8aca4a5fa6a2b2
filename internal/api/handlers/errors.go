package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/checkin"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/report"
)

// statusFor maps the error taxonomy of the service packages to HTTP codes.
func statusFor(err error) int {
	var dm *matcher.DimensionMismatchError
	switch {
	case errors.As(err, &dm),
		errors.Is(err, matcher.ErrMalformedEmbedding),
		errors.Is(err, matcher.ErrUnknownModality),
		errors.Is(err, enroll.ErrInvalidIdentity),
		errors.Is(err, checkin.ErrNoFaceInput),
		errors.Is(err, report.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, enroll.ErrIdentityNotFound):
		return http.StatusNotFound
	case errors.Is(err, enroll.ErrDuplicateExternalRef),
		errors.Is(err, attendance.ErrOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, matcher.ErrNoMatch),
		errors.Is(err, checkin.ErrFaceExtraction),
		errors.Is(err, checkin.ErrVoiceRequired),
		errors.Is(err, checkin.ErrVoiceNotEnrolled),
		errors.Is(err, checkin.ErrVoiceMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, attendance.ErrRepositoryUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{"error": err.Error()}
	var nm *matcher.NoMatchError
	if errors.As(err, &nm) {
		body["best_score"] = nm.BestScore
		body["threshold"] = nm.Threshold
	}
	c.JSON(status, body)
}
