package mail

import (
	"context"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-auth/gatehouse/internal/challenge"
)

func TestCourierEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	courier := NewCourier(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = courier.Close() })

	err := courier.Enqueue(context.Background(), Request{
		To:   "to@example.com",
		Flow: challenge.FlowEmailVerification,
		Code: "abcdef234567",
	})
	require.NoError(t, err)

	var queued bool
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "asynq:") {
			queued = true
			break
		}
	}
	assert.True(t, queued, "task landed in the broker")
}
