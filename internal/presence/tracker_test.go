package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"courier/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitionRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *transitionRecorder) record(userID uuid.UUID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, status)
}

func (r *transitionRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func setupTracker(t *testing.T, cfg Config) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tracker := NewTracker(rdb, cfg)
	t.Cleanup(tracker.Stop)
	return tracker, mr
}

func TestTrackerRegisterEmitsOnline(t *testing.T) {
	rec := &transitionRecorder{}
	tracker, _ := setupTracker(t, Config{OnTransition: rec.record})
	ctx := context.Background()
	userID := uuid.New()

	tracker.Register(ctx, userID)
	assert.True(t, tracker.IsOnline(ctx, userID))
	assert.Equal(t, []string{models.StatusOnline}, rec.snapshot())

	// A second socket for the same user does not re-announce.
	tracker.Register(ctx, userID)
	assert.Equal(t, []string{models.StatusOnline}, rec.snapshot())
}

func TestTrackerOfflineGrace(t *testing.T) {
	rec := &transitionRecorder{}
	tracker, _ := setupTracker(t, Config{
		OfflineGrace: 30 * time.Millisecond,
		OnTransition: rec.record,
	})
	ctx := context.Background()
	userID := uuid.New()

	tracker.Register(ctx, userID)
	tracker.Unregister(ctx, userID)

	// Still online inside the grace window.
	assert.True(t, tracker.IsOnline(ctx, userID))

	assert.Eventually(t, func() bool {
		for _, ev := range rec.snapshot() {
			if ev == models.StatusOffline {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.False(t, tracker.IsOnline(ctx, userID))
}

func TestTrackerReconnectCancelsOffline(t *testing.T) {
	rec := &transitionRecorder{}
	tracker, _ := setupTracker(t, Config{
		OfflineGrace: 50 * time.Millisecond,
		OnTransition: rec.record,
	})
	ctx := context.Background()
	userID := uuid.New()

	tracker.Register(ctx, userID)
	tracker.Unregister(ctx, userID)
	tracker.Register(ctx, userID)

	// Page-reload pattern: no offline event should ever fire.
	time.Sleep(120 * time.Millisecond)
	assert.NotContains(t, rec.snapshot(), models.StatusOffline)
	assert.True(t, tracker.IsOnline(ctx, userID))
}

func TestTrackerMultiDevice(t *testing.T) {
	rec := &transitionRecorder{}
	tracker, _ := setupTracker(t, Config{
		OfflineGrace: 20 * time.Millisecond,
		OnTransition: rec.record,
	})
	ctx := context.Background()
	userID := uuid.New()

	tracker.Register(ctx, userID)
	tracker.Register(ctx, userID)
	tracker.Unregister(ctx, userID)

	// One socket remains, so no offline timer even starts.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, tracker.IsOnline(ctx, userID))
	assert.NotContains(t, rec.snapshot(), models.StatusOffline)
}

func TestTrackerAway(t *testing.T) {
	rec := &transitionRecorder{}
	tracker, _ := setupTracker(t, Config{OnTransition: rec.record})
	ctx := context.Background()
	userID := uuid.New()

	// Away for a disconnected user is ignored.
	tracker.MarkAway(ctx, userID)
	assert.Empty(t, rec.snapshot())

	tracker.Register(ctx, userID)
	tracker.MarkAway(ctx, userID)
	assert.Equal(t, models.StatusAway, tracker.Status(ctx, userID))

	// Repeating away does not re-announce.
	tracker.MarkAway(ctx, userID)
	assert.Equal(t, []string{models.StatusOnline, models.StatusAway}, rec.snapshot())

	tracker.MarkActive(ctx, userID)
	assert.Equal(t, models.StatusOnline, tracker.Status(ctx, userID))
	assert.Equal(t, []string{models.StatusOnline, models.StatusAway, models.StatusOnline}, rec.snapshot())
}

func TestTrackerOnlineAmong(t *testing.T) {
	tracker, _ := setupTracker(t, Config{})
	ctx := context.Background()

	online1, online2, offline := uuid.New(), uuid.New(), uuid.New()
	tracker.Register(ctx, online1)
	tracker.Register(ctx, online2)

	got := tracker.OnlineAmong(ctx, []uuid.UUID{online1, offline, online2})
	assert.ElementsMatch(t, []uuid.UUID{online1, online2}, got)

	assert.Empty(t, tracker.OnlineAmong(ctx, nil))
}

func TestTrackerCrossNodeVisibility(t *testing.T) {
	// Two trackers sharing one Redis simulate two nodes.
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	nodeA := NewTracker(rdb, Config{})
	t.Cleanup(nodeA.Stop)
	nodeB := NewTracker(rdb, Config{})
	t.Cleanup(nodeB.Stop)

	ctx := context.Background()
	userID := uuid.New()
	nodeA.Register(ctx, userID)

	assert.True(t, nodeB.IsOnline(ctx, userID))
	assert.Contains(t, nodeB.OnlineUserIDs(ctx), userID)
}

func TestTrackerReaperDropsStaleEntries(t *testing.T) {
	rec := &transitionRecorder{}
	tracker, _ := setupTracker(t, Config{
		StaleAfter:   50 * time.Millisecond,
		OnTransition: rec.record,
	})
	ctx := context.Background()
	userID := uuid.New()

	// Simulate a crashed node: a heartbeat exists but no local socket.
	tracker.Heartbeat(ctx, userID)
	time.Sleep(80 * time.Millisecond)

	tracker.reapOnce(ctx)
	assert.False(t, tracker.IsOnline(ctx, userID))
	assert.Contains(t, rec.snapshot(), models.StatusOffline)
}
