package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/attend/internal/models"
)

const (
	CapturesStreamName     = "CAPTURES"
	CapturesSubjectBase    = "captures"
	AttendanceStreamName   = "ATTENDANCE"
	AttendanceSubjectBase  = "attendance"
	IdentityUpdatedSubject = "identity.updated"
)

// CaptureSubject is the subject a kiosk's captures are published on.
func CaptureSubject(kioskID string) string {
	return fmt.Sprintf("%s.%s", CapturesSubjectBase, subjectToken(kioskID))
}

// AttendanceSubject is the subject a transition is published on.
func AttendanceSubject(action models.AttendanceAction) string {
	return fmt.Sprintf("%s.%s", AttendanceSubjectBase, action)
}

// subjectToken makes s safe to use as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	b := []byte(s)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			b[i] = '_'
		}
	}
	return string(b)
}

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Producer{nc: nc, js: js}, nil
}

// EnsureStreams creates JetStream streams if they don't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        CapturesStreamName,
			Subjects:    []string{CapturesSubjectBase + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      time.Hour,
			MaxMsgs:     100000,
			MaxBytes:    256 * 1024 * 1024,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Duplicates:  2 * time.Minute,
			Description: "Kiosk captures awaiting recognition",
		},
		{
			Name:        AttendanceStreamName,
			Subjects:    []string{AttendanceSubjectBase + ".>"},
			Retention:   jetstream.InterestPolicy,
			MaxAge:      7 * 24 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Description: "Committed session transitions",
		},
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allOK := true
		for _, cfg := range streams {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				allOK = false
				if attempt == maxAttempts {
					return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
				}
				slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
				break
			}
			slog.Info("ensured NATS stream", "name", cfg.Name)
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// PublishCapture enqueues a capture for the workers. The capture id is the
// JetStream message id, so a kiosk retrying the same capture inside the
// duplicate window is stored once.
func (p *Producer) PublishCapture(ctx context.Context, task *models.CaptureTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal capture task: %w", err)
	}

	_, err = p.js.Publish(ctx, CaptureSubject(task.KioskID), payload, jetstream.WithMsgID(task.CaptureID))
	if err != nil {
		return fmt.Errorf("publish capture: %w", err)
	}
	return nil
}

// PublishAttendance publishes a committed transition for listeners such as
// the API websocket hub and the notification mailer.
func (p *Producer) PublishAttendance(ctx context.Context, ev *models.AttendanceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal attendance event: %w", err)
	}

	msgID := fmt.Sprintf("%s-%s", ev.Session.ID, ev.Action)
	_, err = p.js.Publish(ctx, AttendanceSubject(ev.Action), payload, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("publish attendance event: %w", err)
	}
	return nil
}

type identityUpdate struct {
	IdentityID uuid.UUID `json:"identity_id"`
}

// PublishIdentityUpdate tells every process holding an embedding store to
// refresh one identity. Sent over core NATS; a missed update is repaired by
// the periodic full reload.
func (p *Producer) PublishIdentityUpdate(ctx context.Context, identityID uuid.UUID) error {
	payload, err := json.Marshal(identityUpdate{IdentityID: identityID})
	if err != nil {
		return fmt.Errorf("marshal identity update: %w", err)
	}
	return p.nc.Publish(IdentityUpdatedSubject, payload)
}

// QueueDepth returns the number of pending messages in the CAPTURES stream.
func (p *Producer) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, CapturesStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
