package handlers

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/report"
	"github.com/your-org/attend/pkg/dto"
)

type AuditSource interface {
	ListMatchAudits(ctx context.Context, limit int) ([]models.MatchAudit, error)
}

type AttendanceHandler struct {
	engine   *attendance.Engine
	reporter *report.Reporter
	audits   AuditSource
	// OnClose receives every session a manual sweep closed.
	OnClose func(ctx context.Context, s models.Session)
	now     func() time.Time
}

func NewAttendanceHandler(engine *attendance.Engine, reporter *report.Reporter, audits AuditSource) *AttendanceHandler {
	return &AttendanceHandler{engine: engine, reporter: reporter, audits: audits, now: time.Now}
}

func (h *AttendanceHandler) day(c *gin.Context, param string) string {
	return c.DefaultQuery(param, h.engine.DayOf(h.now()))
}

// Sessions lists the raw session records of ?date= (default today).
func (h *AttendanceHandler) Sessions(c *gin.Context) {
	day := h.day(c, "date")
	if _, err := time.Parse(models.DayLayout, day); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	sessions, err := h.engine.Repository().ListByDate(c.Request.Context(), day)
	if err != nil {
		respondError(c, err)
		return
	}

	classify := h.engine.Classifier().Label
	resp := make([]dto.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, dto.NewSessionResponse(s, classify))
	}
	c.JSON(http.StatusOK, gin.H{"date": day, "sessions": resp, "total": len(resp)})
}

// Daily returns the daily report with display statuses.
func (h *AttendanceHandler) Daily(c *gin.Context) {
	day := h.day(c, "date")
	rows, err := h.reporter.Daily(c.Request.Context(), day, h.now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": day, "rows": rows, "total": len(rows)})
}

// Export streams the report of [start_date, end_date] as CSV.
func (h *AttendanceHandler) Export(c *gin.Context) {
	from := h.day(c, "start_date")
	to := c.DefaultQuery("end_date", from)

	rows, err := h.reporter.Range(c.Request.Context(), from, to, h.now())
	if err != nil {
		respondError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, rows, h.engine.Location()); err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+report.ExportFilename(from, to)+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// Sweep runs the auto-absence sweep immediately.
func (h *AttendanceHandler) Sweep(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.engine.Sweep(ctx, h.now())
	if res == nil {
		respondError(c, err)
		return
	}

	resp := dto.SweepResponse{Open: res.Open, Closed: make([]dto.SessionResponse, 0, len(res.Closed))}
	for _, s := range res.Closed {
		resp.Closed = append(resp.Closed, dto.NewSessionResponse(s, nil))
		if h.OnClose != nil {
			h.OnClose(ctx, s)
		}
	}
	if err != nil {
		slog.Warn("manual sweep finished with errors", "closed", len(res.Closed), "error", err)
		c.JSON(http.StatusOK, gin.H{"open": resp.Open, "closed": resp.Closed, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Audits lists the most recent ambiguous match resolutions.
func (h *AttendanceHandler) Audits(c *gin.Context) {
	if h.audits == nil {
		c.JSON(http.StatusOK, gin.H{"audits": []models.MatchAudit{}, "total": 0})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > 500 {
		limit = 500
	}

	audits, err := h.audits.ListMatchAudits(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": audits, "total": len(audits)})
}
