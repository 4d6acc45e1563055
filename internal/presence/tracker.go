// Package presence tracks which users are reachable right now. Local socket
// counts are authoritative for this node; a Redis sorted set scored by
// last-heartbeat time makes the answer cluster-wide.
package presence

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"courier/internal/cache"
	"courier/internal/models"
	"courier/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStaleAfter     = 90 * time.Second
	defaultOfflineGrace   = 10 * time.Second
	defaultReaperInterval = 60 * time.Second
)

// Config controls staleness and cleanup behavior.
type Config struct {
	StaleAfter     time.Duration
	OfflineGrace   time.Duration
	ReaperInterval time.Duration
	// OnTransition is invoked with online/offline/away whenever a user's
	// visible status changes. It runs outside the tracker's lock.
	OnTransition func(userID uuid.UUID, status string)
}

// Tracker mirrors local connection counts into the shared presence set and
// emits status transitions with an offline grace window, so a page reload
// does not flap a user through offline and back.
type Tracker struct {
	rdb *redis.Client

	mu              sync.RWMutex
	localConnCounts map[uuid.UUID]int
	awayLocally     map[uuid.UUID]bool
	offlineTimers   map[uuid.UUID]*time.Timer
	offlineNotified map[uuid.UUID]bool

	staleAfter     time.Duration
	offlineGrace   time.Duration
	reaperInterval time.Duration
	onTransition   func(userID uuid.UUID, status string)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTracker creates a tracker and starts the stale-entry reaper when Redis
// is available.
func NewTracker(rdb *redis.Client, cfg Config) *Tracker {
	t := &Tracker{
		rdb:             rdb,
		localConnCounts: make(map[uuid.UUID]int),
		awayLocally:     make(map[uuid.UUID]bool),
		offlineTimers:   make(map[uuid.UUID]*time.Timer),
		offlineNotified: make(map[uuid.UUID]bool),
		staleAfter:      defaultStaleAfter,
		offlineGrace:    defaultOfflineGrace,
		reaperInterval:  defaultReaperInterval,
		onTransition:    cfg.OnTransition,
		stopCh:          make(chan struct{}),
	}
	if cfg.StaleAfter > 0 {
		t.staleAfter = cfg.StaleAfter
	}
	if cfg.OfflineGrace > 0 {
		t.offlineGrace = cfg.OfflineGrace
	}
	if cfg.ReaperInterval > 0 {
		t.reaperInterval = cfg.ReaperInterval
	}

	if t.rdb != nil && t.reaperInterval > 0 {
		go t.reaperLoop()
	}
	return t
}

// SetTransitionCallback installs the transition handler after construction,
// breaking the tracker/hub initialization cycle.
func (t *Tracker) SetTransitionCallback(cb func(userID uuid.UUID, status string)) {
	t.mu.Lock()
	t.onTransition = cb
	t.mu.Unlock()
}

// Stop halts the reaper and cancels pending offline timers.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		for userID, timer := range t.offlineTimers {
			if timer != nil {
				timer.Stop()
			}
			delete(t.offlineTimers, userID)
		}
		t.mu.Unlock()
	})
}

// Register records one new socket for a user.
func (t *Tracker) Register(ctx context.Context, userID uuid.UUID) {
	wasOnline := t.IsOnline(ctx, userID)

	t.mu.Lock()
	if timer, ok := t.offlineTimers[userID]; ok {
		timer.Stop()
		delete(t.offlineTimers, userID)
	}
	t.localConnCounts[userID]++
	t.offlineNotified[userID] = false
	delete(t.awayLocally, userID)
	t.mu.Unlock()

	t.Heartbeat(ctx, userID)
	if !wasOnline {
		t.emit(userID, models.StatusOnline)
	}
}

// Heartbeat refreshes the user's score in the shared presence set.
func (t *Tracker) Heartbeat(ctx context.Context, userID uuid.UUID) {
	if t.rdb == nil {
		return
	}
	err := t.rdb.ZAdd(ctx, cache.PresenceOnlineKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: userID.String(),
	}).Err()
	if err != nil {
		log.Printf("presence heartbeat failed for user %s: %v", userID, err)
	}
}

// Unregister records one closed socket. The user only goes offline after
// the grace period, and only if no other socket (here or elsewhere)
// heartbeats in the meantime.
func (t *Tracker) Unregister(ctx context.Context, userID uuid.UUID) {
	t.mu.Lock()
	if n, ok := t.localConnCounts[userID]; ok {
		n--
		if n > 0 {
			t.localConnCounts[userID] = n
			t.mu.Unlock()
			return
		}
		delete(t.localConnCounts, userID)
	}

	if timer, ok := t.offlineTimers[userID]; ok {
		timer.Stop()
	}
	t.offlineTimers[userID] = time.AfterFunc(t.offlineGrace, func() {
		t.finalizeOffline(context.Background(), userID)
	})
	t.mu.Unlock()
}

// MarkAway flags a connected user as away. The user stays in the presence
// set; only the advertised status changes.
func (t *Tracker) MarkAway(ctx context.Context, userID uuid.UUID) {
	if !t.IsOnline(ctx, userID) {
		return
	}
	t.mu.Lock()
	already := t.awayLocally[userID]
	t.awayLocally[userID] = true
	t.mu.Unlock()
	if !already {
		t.emit(userID, models.StatusAway)
	}
}

// MarkActive clears a user's away flag.
func (t *Tracker) MarkActive(ctx context.Context, userID uuid.UUID) {
	t.mu.Lock()
	wasAway := t.awayLocally[userID]
	delete(t.awayLocally, userID)
	t.mu.Unlock()
	t.Heartbeat(ctx, userID)
	if wasAway {
		t.emit(userID, models.StatusOnline)
	}
}

// IsOnline reports whether the user is reachable on any node.
func (t *Tracker) IsOnline(ctx context.Context, userID uuid.UUID) bool {
	t.mu.RLock()
	if t.localConnCounts[userID] > 0 {
		t.mu.RUnlock()
		return true
	}
	t.mu.RUnlock()

	if t.rdb == nil {
		return false
	}
	score, err := t.rdb.ZScore(ctx, cache.PresenceOnlineKey, userID.String()).Result()
	if err != nil {
		return false
	}
	return t.fresh(score)
}

// OnlineAmong filters a recipient list down to the users currently online
// anywhere in the cluster. One round trip regardless of list size.
func (t *Tracker) OnlineAmong(ctx context.Context, userIDs []uuid.UUID) []uuid.UUID {
	if len(userIDs) == 0 {
		return nil
	}

	local := make(map[uuid.UUID]bool, len(userIDs))
	t.mu.RLock()
	for _, id := range userIDs {
		if t.localConnCounts[id] > 0 {
			local[id] = true
		}
	}
	t.mu.RUnlock()

	online := make([]uuid.UUID, 0, len(userIDs))
	if t.rdb == nil {
		for _, id := range userIDs {
			if local[id] {
				online = append(online, id)
			}
		}
		return online
	}

	members := make([]string, len(userIDs))
	for i, id := range userIDs {
		members[i] = id.String()
	}
	scores, err := t.rdb.ZMScore(ctx, cache.PresenceOnlineKey, members...).Result()
	if err != nil {
		for _, id := range userIDs {
			if local[id] {
				online = append(online, id)
			}
		}
		return online
	}

	for i, id := range userIDs {
		if local[id] || (scores[i] != 0 && t.fresh(scores[i])) {
			online = append(online, id)
		}
	}
	return online
}

// OnlineUserIDs returns every user currently fresh in the presence set,
// unioned with local connections as a safety net.
func (t *Tracker) OnlineUserIDs(ctx context.Context) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var result []uuid.UUID

	t.mu.RLock()
	for id, count := range t.localConnCounts {
		if count > 0 {
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	t.mu.RUnlock()

	if t.rdb == nil {
		return result
	}

	minScore := float64(time.Now().Add(-t.staleAfter).UnixMilli())
	members, err := t.rdb.ZRangeByScore(ctx, cache.PresenceOnlineKey, &redis.ZRangeBy{
		Min: formatScore(minScore),
		Max: "+inf",
	}).Result()
	if err != nil {
		return result
	}
	for _, raw := range members {
		id, perr := uuid.Parse(raw)
		if perr != nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

// Status returns the user's advertised status.
func (t *Tracker) Status(ctx context.Context, userID uuid.UUID) string {
	t.mu.RLock()
	away := t.awayLocally[userID]
	t.mu.RUnlock()
	if !t.IsOnline(ctx, userID) {
		return models.StatusOffline
	}
	if away {
		return models.StatusAway
	}
	return models.StatusOnline
}

// reapOnce removes stale entries left behind by crashed nodes and emits
// offline for users with no local sockets.
func (t *Tracker) reapOnce(ctx context.Context) {
	if t.rdb == nil {
		return
	}
	maxScore := float64(time.Now().Add(-t.staleAfter).UnixMilli())
	stale, err := t.rdb.ZRangeByScore(ctx, cache.PresenceOnlineKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(maxScore),
	}).Result()
	if err != nil || len(stale) == 0 {
		return
	}

	staleMembers := make([]interface{}, len(stale))
	for i, raw := range stale {
		staleMembers[i] = raw
	}
	_ = t.rdb.ZRem(ctx, cache.PresenceOnlineKey, staleMembers...).Err()

	for _, raw := range stale {
		id, perr := uuid.Parse(raw)
		if perr != nil {
			continue
		}
		t.mu.RLock()
		hasLocal := t.localConnCounts[id] > 0
		t.mu.RUnlock()
		if !hasLocal {
			t.emitOffline(id)
		}
	}
}

func (t *Tracker) reaperLoop() {
	ticker := time.NewTicker(t.reaperInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.reapOnce(ctx)
		}
	}
}

func (t *Tracker) finalizeOffline(ctx context.Context, userID uuid.UUID) {
	t.mu.Lock()
	if t.localConnCounts[userID] > 0 {
		delete(t.offlineTimers, userID)
		t.mu.Unlock()
		return
	}
	delete(t.offlineTimers, userID)
	delete(t.awayLocally, userID)
	t.mu.Unlock()

	if t.rdb != nil {
		score, err := t.rdb.ZScore(ctx, cache.PresenceOnlineKey, userID.String()).Result()
		if err == nil && t.fresh(score) {
			// Another node heartbeated during the grace window.
			return
		}
		_ = t.rdb.ZRem(ctx, cache.PresenceOnlineKey, userID.String()).Err()
	}
	t.emitOffline(userID)
}

func (t *Tracker) emit(userID uuid.UUID, status string) {
	t.mu.Lock()
	if status != models.StatusOffline {
		t.offlineNotified[userID] = false
	}
	cb := t.onTransition
	t.mu.Unlock()
	observability.PresenceTransitions.WithLabelValues(status).Inc()
	if cb != nil {
		cb(userID, status)
	}
}

func (t *Tracker) emitOffline(userID uuid.UUID) {
	t.mu.Lock()
	if t.offlineNotified[userID] {
		t.mu.Unlock()
		return
	}
	t.offlineNotified[userID] = true
	cb := t.onTransition
	t.mu.Unlock()
	observability.PresenceTransitions.WithLabelValues(models.StatusOffline).Inc()
	if cb != nil {
		cb(userID, models.StatusOffline)
	}
}

func (t *Tracker) fresh(score float64) bool {
	last := time.UnixMilli(int64(score))
	return time.Since(last) < t.staleAfter
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 0, 64)
}
