package api

import (
	"context"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/attend/internal/api/handlers"
	"github.com/your-org/attend/internal/api/ws"
	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/auth"
	"github.com/your-org/attend/internal/checkin"
	"github.com/your-org/attend/internal/embeddings"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/report"
)

type RouterConfig struct {
	// APIKey guards every /v1 route. KioskKey additionally unlocks the
	// capture and match endpoints only.
	APIKey   string
	KioskKey string

	Enroll     *enroll.Service
	Identities enroll.Repository
	Checkin    *checkin.Service
	Matcher    *matcher.Matcher
	Store      *embeddings.Store
	Engine     *attendance.Engine
	Reporter   *report.Reporter
	Audits     handlers.AuditSource

	// Objects and Publisher may be nil; image storage and async captures
	// are then unavailable.
	Objects   handlers.ObjectStore
	Publisher handlers.CapturePublisher
	Hub       *ws.Hub
	// Extractor computes face embeddings from uploaded images.
	Extractor handlers.FaceExtractor
	Checks    []handlers.Check
	// OnClose is told about sessions closed by a manual sweep.
	OnClose func(ctx context.Context, s models.Session)
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks...)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")

	// Kiosk endpoints accept either key.
	kiosk := v1.Group("", auth.APIKeyMiddleware(cfg.APIKey, cfg.KioskKey))
	captureH := handlers.NewCaptureHandler(cfg.Checkin, cfg.Matcher, cfg.Store, cfg.Publisher, cfg.Objects)
	kiosk.POST("/captures", captureH.Create)
	kiosk.POST("/match", captureH.Match)

	admin := v1.Group("", auth.APIKeyMiddleware(cfg.APIKey))

	if cfg.Hub != nil {
		admin.GET("/ws", cfg.Hub.HandleWS)
	}

	// Identities & references
	identityH := handlers.NewIdentityHandler(cfg.Enroll, cfg.Identities, cfg.Engine, cfg.Reporter, cfg.Objects)
	identityH.Extractor = cfg.Extractor
	admin.POST("/identities", identityH.Register)
	admin.GET("/identities", identityH.List)
	admin.GET("/identities/:id", identityH.Get)
	admin.DELETE("/identities/:id", identityH.Delete)
	admin.POST("/identities/:id/faces", identityH.AddFace)
	admin.GET("/identities/:id/faces", identityH.ListFaces)
	admin.DELETE("/identities/:id/faces/:faceId", identityH.DeleteFace)
	admin.PUT("/identities/:id/voice", identityH.SetVoice)
	admin.GET("/identities/:id/status", identityH.Status)
	admin.GET("/identities/:id/calendar", identityH.Calendar)

	// Sessions & reports
	attendanceH := handlers.NewAttendanceHandler(cfg.Engine, cfg.Reporter, cfg.Audits)
	attendanceH.OnClose = cfg.OnClose
	admin.GET("/sessions", attendanceH.Sessions)
	admin.GET("/reports/daily", attendanceH.Daily)
	admin.GET("/reports/export", attendanceH.Export)
	admin.POST("/sweep", attendanceH.Sweep)
	admin.GET("/audits", attendanceH.Audits)

	return r
}
