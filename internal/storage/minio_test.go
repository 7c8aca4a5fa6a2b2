package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestObjectKeys(t *testing.T) {
	at := time.Date(2024, 3, 4, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	assert.Equal(t, "captures/2024/03/05/kiosk-1/cap-9.jpg", CaptureKey("kiosk-1", "cap-9", at))

	id, emb := uuid.New(), uuid.New()
	key := EnrollmentKey(id, emb)
	assert.True(t, strings.HasPrefix(key, EnrollmentPrefix(id)))
	assert.True(t, strings.HasSuffix(key, emb.String()+".jpg"))
}
