package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/attend/internal/api"
	"github.com/your-org/attend/internal/api/handlers"
	"github.com/your-org/attend/internal/api/ws"
	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/checkin"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/embeddings"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/queue"
	"github.com/your-org/attend/internal/report"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/internal/vision"
	"github.com/your-org/attend/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting attendance API service", "port", cfg.Server.Port)

	loc, err := cfg.Attendance.Location()
	if err != nil {
		slog.Error("resolve timezone", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	applied, err := db.Migrate(ctx)
	if err != nil {
		slog.Error("apply migrations", "error", err)
		os.Exit(1)
	}
	if len(applied) > 0 {
		slog.Info("migrations applied", "files", applied)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	m := matcher.New(map[models.Modality]matcher.Settings{
		models.ModalityFace:  {Dim: cfg.Matching.FaceDim, Threshold: cfg.Matching.FaceThreshold},
		models.ModalityVoice: {Dim: cfg.Matching.VoiceDim, Threshold: cfg.Matching.VoiceThreshold},
	})
	store := embeddings.NewStore(db)
	enrollSvc := enroll.NewService(db, store, m, producer)
	if err := enrollSvc.Reload(ctx); err != nil {
		slog.Error("load reference embeddings", "error", err)
		os.Exit(1)
	}

	engine := attendance.NewEngine(db, attendance.Config{
		Window:        cfg.Attendance.Window,
		LabelBoundary: cfg.Attendance.LabelBoundary,
		Location:      loc,
	})

	checkinOpts := []checkin.Option{
		checkin.WithAudit(db),
		checkin.WithPublisher(producer),
		checkin.WithImageLoader(minioStore),
	}

	// ONNX Runtime is optional here: without it only precomputed embeddings
	// are accepted on enrollment and capture endpoints.
	var extractor handlers.FaceExtractor
	if err := vision.InitRuntime(); err != nil {
		slog.Warn("onnx runtime init failed, image uploads will be unavailable", "error", err)
	} else {
		defer vision.DestroyRuntime()
		fe, err := vision.NewFaceExtractor(cfg.Vision.ModelsDir)
		if err != nil {
			slog.Warn("face extractor init failed, image uploads will be unavailable", "error", err)
		} else {
			defer fe.Close()
			extractor = fe
			checkinOpts = append(checkinOpts, checkin.WithFaceEmbedder(fe))
			slog.Info("face extractor ready", "dim", fe.Dim())
		}
	}

	checkinSvc := checkin.NewService(m, store, engine, checkin.Config{RequireVoice: cfg.Matching.RequireVoice}, checkinOpts...)
	reporter := report.NewReporter(db, db, engine)

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run(ctx)

	// Broadcast attendance transitions published by any process.
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create attendance consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	err = consumer.ConsumeAttendance(ctx, "attend-api-ws", func(ctx context.Context, msg jetstream.Msg) error {
		ev, err := queue.DecodeAttendance(msg.Data())
		if err != nil {
			return queue.Permanent(err)
		}
		hub.BroadcastEvent(dto.NewWSEvent(ev))
		return nil
	})
	if err != nil {
		slog.Warn("start attendance consumer", "error", err)
	}

	if err := consumer.SubscribeIdentityUpdates(ctx, enrollSvc.Refresh); err != nil {
		slog.Warn("subscribe identity updates", "error", err)
	}

	go func() {
		ticker := time.NewTicker(cfg.Matching.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := enrollSvc.Reload(ctx); err != nil {
					slog.Error("reload reference embeddings", "error", err)
				}
			}
		}
	}()

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:     cfg.Server.APIKey,
		KioskKey:   cfg.Server.KioskKey,
		Enroll:     enrollSvc,
		Identities: db,
		Checkin:    checkinSvc,
		Matcher:    m,
		Store:      store,
		Engine:     engine,
		Reporter:   reporter,
		Audits:     db,
		Objects:    minioStore,
		Publisher:  producer,
		Hub:        hub,
		Extractor:  extractor,
		Checks: []handlers.Check{
			{Name: "postgres", Ping: db.Ping},
			{Name: "minio", Ping: minioStore.Ping},
			{Name: "nats", Ping: func(context.Context) error { return producer.Ping() }},
		},
		OnClose: checkinSvc.NotifyClosed,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
