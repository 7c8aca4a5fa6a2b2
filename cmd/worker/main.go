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
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/checkin"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/embeddings"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/matcher"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/queue"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/internal/vision"
)

const metricsAddr = ":8082"

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

	slog.Info("starting attendance worker",
		"workers", cfg.Vision.WorkerCount,
		"cpu_cores", runtime.NumCPU(),
		"window", cfg.Attendance.Window,
		"sweep_interval", cfg.Attendance.SweepInterval,
	)

	loc, err := cfg.Attendance.Location()
	if err != nil {
		slog.Error("resolve timezone", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize ONNX Runtime
	if err := vision.InitRuntime(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.DestroyRuntime()

	extractor, err := vision.NewFaceExtractor(cfg.Vision.ModelsDir)
	if err != nil {
		slog.Error("init face extractor", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
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
	// The worker never enrolls; it only follows changes made by the API.
	enrollSvc := enroll.NewService(db, store, m, nil)
	if err := enrollSvc.Reload(ctx); err != nil {
		slog.Error("load reference embeddings", "error", err)
		os.Exit(1)
	}

	engine := attendance.NewEngine(db, attendance.Config{
		Window:        cfg.Attendance.Window,
		LabelBoundary: cfg.Attendance.LabelBoundary,
		Location:      loc,
	})

	checkinSvc := checkin.NewService(m, store, engine,
		checkin.Config{RequireVoice: cfg.Matching.RequireVoice},
		checkin.WithAudit(db),
		checkin.WithPublisher(producer),
		checkin.WithFaceEmbedder(extractor),
		checkin.WithImageLoader(minioStore),
	)

	slog.Info("attendance pipeline initialized")

	// Create NATS consumer
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// Start consuming capture tasks
	err = consumer.ConsumeCaptures(ctx, "attend-workers", func(ctx context.Context, msg jetstream.Msg) error {
		task, err := queue.DecodeCapture(msg.Data())
		if err != nil {
			return queue.Permanent(err)
		}
		observability.CapturesReceived.WithLabelValues("queue").Inc()

		if _, err := checkinSvc.ProcessTask(ctx, task); err != nil {
			if checkin.IsRejection(err) {
				return queue.Permanent(fmt.Errorf("capture %s rejected: %w", task.CaptureID, err))
			}
			return fmt.Errorf("process capture %s: %w", task.CaptureID, err)
		}
		return nil
	}, cfg.Vision.WorkerCount)
	if err != nil {
		slog.Error("start capture consumer", "error", err)
		os.Exit(1)
	}

	if err := consumer.SubscribeIdentityUpdates(ctx, enrollSvc.Refresh); err != nil {
		slog.Warn("subscribe identity updates", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Metrics endpoint
	srv := &http.Server{Addr: metricsAddr}
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		srv.Handler = mux
		slog.Info("worker metrics listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Auto-absence sweeper
	g.Go(func() error {
		engine.RunSweeper(ctx, cfg.Attendance.SweepInterval, func(s models.Session) {
			checkinSvc.NotifyClosed(ctx, s)
		})
		return nil
	})

	// Periodic full reload of reference embeddings
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Matching.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := enrollSvc.Reload(ctx); err != nil {
					slog.Error("reload reference embeddings", "error", err)
				}
			}
		}
	})

	// Periodically report queue depth
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("worker stopped with error", "error", err)
	}

	slog.Info("shutting down worker...")
	// Give in-flight captures a moment to settle.
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}
