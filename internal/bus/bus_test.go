package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent("typing", map[string]string{"chat_id": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "typing", ev.Type)

	var body map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &body))
	assert.Equal(t, "abc", body["chat_id"])
}

func TestNotifierPublishSubscribe(t *testing.T) {
	rdb := setupRedis(t)
	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type received struct {
		channel string
		event   Event
	}
	got := make(chan received, 8)
	require.NoError(t, n.StartSubscriber(ctx, func(channel string, event Event) {
		got <- received{channel, event}
	}))

	// PSubscribe setup races with the first publish; give it a beat.
	time.Sleep(50 * time.Millisecond)

	chatID := uuid.New()
	userID := uuid.New()

	chatEv, err := NewEvent(EventMessageNew, map[string]string{"body": "hi"})
	require.NoError(t, err)
	require.NoError(t, n.PublishChat(ctx, chatID, chatEv))

	userEv, err := NewEvent(EventDeliveryUpdated, map[string]string{"id": "1"})
	require.NoError(t, err)
	require.NoError(t, n.PublishUser(ctx, userID, userEv))

	statusEv, err := NewEvent(EventUserStatus, map[string]string{"status": "online"})
	require.NoError(t, err)
	require.NoError(t, n.PublishStatus(ctx, statusEv))

	seen := make(map[string]string, 3)
	for i := 0; i < 3; i++ {
		select {
		case r := <-got:
			seen[r.event.Type] = r.channel
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	assert.Contains(t, seen[EventMessageNew], chatID.String())
	assert.Contains(t, seen[EventDeliveryUpdated], userID.String())
	assert.NotEmpty(t, seen[EventUserStatus])
}

func TestNotifierSubscriberStopsOnCancel(t *testing.T) {
	rdb := setupRedis(t)
	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	count := 0
	require.NoError(t, n.StartSubscriber(ctx, func(string, Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)

	ev, err := NewEvent(EventTyping, map[string]string{})
	require.NoError(t, err)
	require.NoError(t, n.PublishChat(context.Background(), uuid.New(), ev))

	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestNotifierHandlerPanicIsContained(t *testing.T) {
	rdb := setupRedis(t)
	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan string, 4)
	require.NoError(t, n.StartSubscriber(ctx, func(_ string, event Event) {
		calls <- event.Type
		if event.Type == EventTyping {
			panic("handler blew up")
		}
	}))
	time.Sleep(50 * time.Millisecond)

	bad, err := NewEvent(EventTyping, map[string]string{})
	require.NoError(t, err)
	require.NoError(t, n.PublishChat(ctx, uuid.New(), bad))

	good, err := NewEvent(EventMessageNew, map[string]string{})
	require.NoError(t, err)
	require.NoError(t, n.PublishChat(ctx, uuid.New(), good))

	// The loop survives the panic and delivers the next event.
	types := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case typ := <-calls:
			types = append(types, typ)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber died after handler panic")
		}
	}
	assert.Contains(t, types, EventMessageNew)
}

func TestDeliveryStreamRoundTrip(t *testing.T) {
	rdb := setupRedis(t)
	stream := NewDeliveryStream(rdb, "test-consumer")
	ctx := context.Background()

	require.NoError(t, stream.EnsureGroup(ctx))
	// Creating the group twice is fine.
	require.NoError(t, stream.EnsureGroup(ctx))

	job := DeliveryJob{
		MessageID:  uuid.New(),
		ChatID:     uuid.New(),
		Recipients: []uuid.UUID{uuid.New(), uuid.New()},
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, stream.Enqueue(ctx, job))

	jobs, err := stream.Read(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.MessageID, jobs[0].Job.MessageID)
	assert.Equal(t, job.ChatID, jobs[0].Job.ChatID)
	assert.Len(t, jobs[0].Job.Recipients, 2)
	assert.NotEmpty(t, jobs[0].ID)

	require.NoError(t, stream.Ack(ctx, jobs[0].ID))

	// Nothing new to read after the ack.
	jobs, err = stream.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDeliveryStreamSkipsMalformedEntries(t *testing.T) {
	rdb := setupRedis(t)
	stream := NewDeliveryStream(rdb, "test-consumer")
	ctx := context.Background()
	require.NoError(t, stream.EnsureGroup(ctx))

	// An entry without a job field is acked away, not returned.
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream.stream,
		Values: map[string]interface{}{"noise": "1"},
	}).Err())
	require.NoError(t, stream.Enqueue(ctx, DeliveryJob{MessageID: uuid.New(), ChatID: uuid.New()}))

	jobs, err := stream.Read(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}
