package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/attend/internal/models"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth redelivering. The message
// is terminated instead of nak'ed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
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

	return &Consumer{nc: nc, js: js}, nil
}

// DecodeCapture parses a capture task message body.
func DecodeCapture(data []byte) (*models.CaptureTask, error) {
	var task models.CaptureTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode capture task: %w", err)
	}
	if task.CaptureID == "" {
		return nil, errors.New("decode capture task: missing capture_id")
	}
	if task.ImageKey == "" && len(task.FaceEmbedding) == 0 {
		return nil, errors.New("decode capture task: neither image_key nor face_embedding set")
	}
	return &task, nil
}

// DecodeAttendance parses an attendance event message body.
func DecodeAttendance(data []byte) (*models.AttendanceEvent, error) {
	var ev models.AttendanceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode attendance event: %w", err)
	}
	return &ev, nil
}

func settle(msg jetstream.Msg, err error, kind string, attrs ...any) {
	switch {
	case err == nil:
		_ = msg.Ack()
	case IsPermanent(err):
		slog.Warn("dropping "+kind, append(attrs, "error", err, "subject", msg.Subject())...)
		_ = msg.Term()
	default:
		slog.Error("process "+kind+" error", append(attrs, "error", err, "subject", msg.Subject())...)
		_ = msg.Nak()
	}
}

// ConsumeCaptures starts consuming capture tasks from the CAPTURES stream.
// workerCount determines how many goroutines process messages concurrently.
func (c *Consumer) ConsumeCaptures(ctx context.Context, consumerName string, handler MessageHandler, workerCount int) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	stream, err := c.js.Stream(ctx, CapturesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", CapturesStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		FilterSubject: CapturesSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch captures error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				settle(msg, handler(ctx, msg), "capture", "worker", workerID)
			}
		}(i)
	}

	slog.Info("capture consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumeAttendance starts consuming attendance events (for the API to
// broadcast via WebSocket).
func (c *Consumer) ConsumeAttendance(ctx context.Context, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, AttendanceStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", AttendanceStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: AttendanceSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				settle(msg, handler(ctx, msg), "attendance event")
			}
		}
	}()

	slog.Info("attendance consumer started", "consumer", consumerName)
	return nil
}

// SubscribeIdentityUpdates calls fn for every identity.updated message until
// ctx is done.
func (c *Consumer) SubscribeIdentityUpdates(ctx context.Context, fn func(ctx context.Context, identityID uuid.UUID) error) error {
	sub, err := c.nc.Subscribe(IdentityUpdatedSubject, func(msg *nats.Msg) {
		var upd identityUpdate
		if err := json.Unmarshal(msg.Data, &upd); err != nil {
			slog.Warn("invalid identity update", "error", err)
			return
		}
		if err := fn(ctx, upd.IdentityID); err != nil {
			slog.Error("apply identity update", "identity_id", upd.IdentityID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", IdentityUpdatedSubject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
