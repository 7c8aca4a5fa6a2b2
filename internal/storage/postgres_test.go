//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/models"
)

func setupTestContainer(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "attend",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	store, err := NewPostgresStore(config.DatabaseConfig{
		URL:      fmt.Sprintf("postgres://test:test@%s:%s/attend?sslmode=disable", host, port.Port()),
		MaxConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	applied, err := store.Migrate(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	again, err := store.Migrate(ctx)
	require.NoError(t, err)
	require.Empty(t, again, "migrations must be recorded")

	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupTestContainer(t)
	ctx := context.Background()

	t.Run("identities and embeddings", func(t *testing.T) {
		id := &models.Identity{ID: uuid.New(), ExternalRef: "alice@example.com", Name: "Alice"}
		require.NoError(t, store.CreateIdentity(ctx, id))
		assert.False(t, id.CreatedAt.IsZero())

		dup := &models.Identity{ID: uuid.New(), ExternalRef: "alice@example.com", Name: "Other"}
		assert.ErrorIs(t, store.CreateIdentity(ctx, dup), enroll.ErrDuplicateExternalRef)

		got, err := store.GetIdentityByRef(ctx, "alice@example.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, id.ID, got.ID)

		missing, err := store.GetIdentity(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)

		face := &models.Embedding{ID: uuid.New(), IdentityID: id.ID, Modality: models.ModalityFace, Vector: []float32{0.1, 0.2, 0.3}}
		require.NoError(t, store.AddEmbedding(ctx, face))

		for _, v := range [][]float32{{1, 0}, {0, 1}} {
			voice := &models.Embedding{ID: uuid.New(), IdentityID: id.ID, Modality: models.ModalityVoice, Vector: v}
			require.NoError(t, store.ReplaceVoiceEmbedding(ctx, voice))
		}

		faces, err := store.ListEmbeddings(ctx, models.ModalityFace)
		require.NoError(t, err)
		require.Len(t, faces, 1)
		assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, faces[0].Vector, 1e-6)

		voices, err := store.ListEmbeddings(ctx, models.ModalityVoice)
		require.NoError(t, err)
		require.Len(t, voices, 1, "replace keeps a single voice reference")
		assert.Equal(t, []float32{0, 1}, voices[0].Vector)

		ok, err := store.DeleteEmbedding(ctx, id.ID, face.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("sessions", func(t *testing.T) {
		identityID := uuid.New()
		login := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
		sess := &models.Session{
			ID:         uuid.New(),
			IdentityID: identityID,
			Day:        "2024-03-04",
			LoginTime:  login,
			Status:     models.SessionStatusOpen,
			CreatedAt:  login,
			UpdatedAt:  login,
		}
		require.NoError(t, store.Create(ctx, sess))

		second := *sess
		second.ID = uuid.New()
		assert.ErrorIs(t, store.Create(ctx, &second), attendance.ErrOpenSessionExists)

		open, err := store.GetOpenSession(ctx, identityID, "2024-03-05")
		require.NoError(t, err)
		require.NotNil(t, open)
		assert.Equal(t, "2024-03-04", open.Day)
		assert.Empty(t, open.DayLabel)

		logout := login.Add(510 * time.Minute)
		minutes := 510
		closed := *open
		closed.LogoutTime = &logout
		closed.DurationMinutes = &minutes
		closed.DayLabel = models.DayLabelFullDay
		closed.Status = models.SessionStatusPresent

		ok, err := store.Update(ctx, &closed, models.SessionStatusOpen)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Update(ctx, &closed, models.SessionStatusOpen)
		require.NoError(t, err)
		assert.False(t, ok, "second finalization must lose the compare-and-set")

		day, err := store.ListByDate(ctx, "2024-03-04")
		require.NoError(t, err)
		require.Len(t, day, 1)
		assert.Equal(t, models.SessionStatusPresent, day[0].Status)
		assert.Equal(t, 510, *day[0].DurationMinutes)
		assert.Equal(t, models.DayLabelFullDay, day[0].DayLabel)
	})

	t.Run("engine on postgres", func(t *testing.T) {
		e := attendance.NewEngine(store, attendance.Config{})
		id := uuid.New()
		login := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

		_, err := e.RecordEvent(ctx, id, login)
		require.NoError(t, err)

		res, err := e.Sweep(ctx, login.Add(9*time.Hour+30*time.Minute))
		require.NoError(t, err)
		require.Len(t, res.Closed, 1)
		assert.Equal(t, models.SessionStatusAbsentFault, res.Closed[0].Status)
		assert.Equal(t, 540, *res.Closed[0].DurationMinutes)
	})

	t.Run("engine replay with fractional seconds", func(t *testing.T) {
		e := attendance.NewEngine(store, attendance.Config{})
		id := uuid.New()
		login := time.Date(2024, 4, 2, 9, 0, 0, 123456789, time.UTC)
		logout := time.Date(2024, 4, 2, 17, 0, 0, 987654321, time.UTC)

		first, err := e.RecordEvent(ctx, id, login)
		require.NoError(t, err)
		require.Equal(t, models.ActionLogin, first.Action)

		again, err := e.RecordEvent(ctx, id, login)
		require.NoError(t, err)
		assert.Equal(t, models.ActionDuplicate, again.Action)

		_, err = e.RecordEvent(ctx, id, logout)
		require.NoError(t, err)
		again, err = e.RecordEvent(ctx, id, logout)
		require.NoError(t, err)
		assert.Equal(t, models.ActionDuplicate, again.Action)

		sessions, err := store.ListByIdentity(ctx, id, "2024-04-02", "2024-04-02")
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, models.SessionStatusPresent, sessions[0].Status)
		assert.Equal(t, 480, *sessions[0].DurationMinutes)
	})

	t.Run("audit", func(t *testing.T) {
		a := &models.MatchAudit{
			ID:         uuid.New(),
			Modality:   models.ModalityFace,
			ChosenID:   uuid.New(),
			Contenders: []string{"amy@example.com", "zed@example.com"},
			Score:      0.7,
			CaptureID:  "cap-1",
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, store.InsertMatchAudit(ctx, a))

		audits, err := store.ListMatchAudits(ctx, 10)
		require.NoError(t, err)
		require.NotEmpty(t, audits)
		assert.Equal(t, a.Contenders, audits[0].Contenders)
	})
}
