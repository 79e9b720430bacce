package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T, visibility time.Duration) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := New(context.Background(), client, Config{Visibility: visibility})
	require.NoError(t, err)
	return q, mr
}

func TestQueue_EnqueueReceiveDelete(t *testing.T) {
	q, _ := setupQueue(t, time.Minute)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{"userId":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, `{"userId":1}`, string(msgs[0].Body))
	assert.Equal(t, 1, msgs[0].DeliveryCount)

	require.NoError(t, q.Delete(ctx, msgs[0]))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestQueue_NewIsIdempotent(t *testing.T) {
	q, mr := setupQueue(t, time.Minute)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := New(context.Background(), client, q.cfg)
	assert.NoError(t, err)
}

func TestQueue_UnackedMessageIsRedelivered(t *testing.T) {
	q, _ := setupQueue(t, 20*time.Millisecond)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("a"))
	require.NoError(t, err)

	first, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "message is invisible until the visibility timeout passes")

	time.Sleep(40 * time.Millisecond)

	again, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.GreaterOrEqual(t, again[0].DeliveryCount, 2)
}

func TestQueue_ReceiveRespectsMax(t *testing.T) {
	q, _ := setupQueue(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, []byte("x"))
		require.NoError(t, err)
	}

	msgs, err := q.Receive(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}
