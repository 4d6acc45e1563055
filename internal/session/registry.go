// Package session manages device sessions and the token pair that
// authenticates them: a short-lived access JWT and a rotating refresh token.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/cache"
	"courier/internal/config"
	"courier/internal/middleware"
	"courier/internal/models"
	"courier/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	issuer   = "courier-api"
	audience = "courier-client"
)

// TokenPair is what a client holds after login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

// DeviceInfo describes the device a session was opened from.
type DeviceInfo struct {
	DeviceID  string
	Kind      string
	Label     string
	IPAddress string
	UserAgent string
}

// Registry is the authority on device sessions. The database is the source
// of truth; Redis holds a read-through cache keyed by id, refresh secret and
// user so token checks rarely touch the database.
type Registry struct {
	cfg      *config.Config
	sessions repository.SessionRepository
	rdb      *redis.Client
}

// NewRegistry creates a session registry.
func NewRegistry(cfg *config.Config, sessions repository.SessionRepository, rdb *redis.Client) *Registry {
	return &Registry{cfg: cfg, sessions: sessions, rdb: rdb}
}

func newRefreshSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create opens a new session for a user and mints its token pair.
func (r *Registry) Create(ctx context.Context, userID uuid.UUID, device DeviceInfo) (*models.Session, *TokenPair, error) {
	secret, err := newRefreshSecret()
	if err != nil {
		return nil, nil, models.NewInternalError(err)
	}

	now := time.Now()
	session := &models.Session{
		UserID:         userID,
		RefreshSecret:  secret,
		DeviceID:       device.DeviceID,
		DeviceKind:     device.Kind,
		DeviceLabel:    device.Label,
		IPAddress:      device.IPAddress,
		UserAgent:      device.UserAgent,
		Active:         true,
		LastActivityAt: now,
		ExpiresAt:      now.Add(r.cfg.RefreshTTL),
	}
	if err := r.sessions.Create(ctx, session); err != nil {
		return nil, nil, err
	}

	pair, err := r.mintPair(session)
	if err != nil {
		return nil, nil, err
	}
	r.cacheSession(ctx, session)
	return session, pair, nil
}

// Refresh validates a refresh token, rotates the refresh secret and returns
// a fresh token pair. The old refresh token is dead after this call.
func (r *Registry) Refresh(ctx context.Context, refreshToken string) (*models.Session, *TokenPair, error) {
	claims, err := r.parseToken(refreshToken, r.cfg.RefreshSecret, "refresh")
	if err != nil {
		return nil, nil, err
	}
	secret, _ := claims["jti"].(string)
	if secret == "" {
		return nil, nil, models.NewUnauthenticatedError("malformed refresh token")
	}

	session, err := r.resolveByRefresh(ctx, secret)
	if err != nil {
		return nil, nil, err
	}
	if session == nil || !session.Usable(time.Now()) {
		return nil, nil, models.NewUnauthenticatedError("session expired or revoked")
	}

	newSecret, err := newRefreshSecret()
	if err != nil {
		return nil, nil, models.NewInternalError(err)
	}
	expiresAt := time.Now().Add(r.cfg.RefreshTTL)
	if err := r.sessions.RotateRefresh(ctx, session.ID, newSecret, expiresAt); err != nil {
		return nil, nil, err
	}
	r.dropSessionKeys(ctx, session)

	session.RefreshSecret = newSecret
	session.ExpiresAt = expiresAt
	pair, err := r.mintPair(session)
	if err != nil {
		return nil, nil, err
	}
	r.cacheSession(ctx, session)
	return session, pair, nil
}

// ResolveAccess validates an access token and confirms its session is still
// live, so revocation takes effect without waiting for token expiry.
func (r *Registry) ResolveAccess(ctx context.Context, accessToken string) (uuid.UUID, uuid.UUID, error) {
	claims, err := r.parseToken(accessToken, r.cfg.AccessSecret, "access")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)
	userID, uerr := uuid.Parse(sub)
	sessionID, serr := uuid.Parse(sid)
	if uerr != nil || serr != nil {
		return uuid.Nil, uuid.Nil, models.NewUnauthenticatedError("malformed token claims")
	}

	session, err := r.resolveByID(ctx, sessionID)
	if err != nil {
		if models.IsKind(err, models.ErrNotFound) {
			return uuid.Nil, uuid.Nil, models.NewUnauthenticatedError("session expired or revoked")
		}
		return uuid.Nil, uuid.Nil, err
	}
	if !session.Usable(time.Now()) || session.UserID != userID {
		return uuid.Nil, uuid.Nil, models.NewUnauthenticatedError("session expired or revoked")
	}
	return userID, sessionID, nil
}

// ListActive returns the user's live sessions for the device management UI.
// The per-user key is a set of session ids; the blobs come back in one MGET.
// Any gap falls through to the database and rebuilds the cache.
func (r *Registry) ListActive(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	if r.rdb != nil {
		if sessions, ok := r.listFromCache(ctx, userID); ok {
			return sessions, nil
		}
	}

	sessions, err := r.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.rdb != nil {
		r.rdb.Del(ctx, cache.SessionsByUserKey(userID))
		for i := range sessions {
			r.cacheSession(ctx, &sessions[i])
		}
	}
	return sessions, nil
}

// listFromCache resolves the per-user id set and its session blobs. ok is
// false when the set is absent or any blob is missing or unreadable.
func (r *Registry) listFromCache(ctx context.Context, userID uuid.UUID) ([]models.Session, bool) {
	ids, err := r.rdb.SMembers(ctx, cache.SessionsByUserKey(userID)).Result()
	if err != nil || len(ids) == 0 {
		return nil, false
	}

	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, perr := uuid.Parse(raw)
		if perr != nil {
			return nil, false
		}
		keys = append(keys, cache.SessionByIDKey(id))
	}
	blobs, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, false
	}

	now := time.Now()
	sessions := make([]models.Session, 0, len(blobs))
	for _, blob := range blobs {
		raw, ok := blob.(string)
		if !ok {
			return nil, false
		}
		var s models.Session
		if uerr := json.Unmarshal([]byte(raw), &s); uerr != nil {
			return nil, false
		}
		if s.Usable(now) {
			sessions = append(sessions, s)
		}
	}
	return sessions, true
}

// Invalidate revokes one session.
func (r *Registry) Invalidate(ctx context.Context, sessionID uuid.UUID) error {
	session, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := r.sessions.Invalidate(ctx, sessionID); err != nil {
		return err
	}
	r.dropSessionKeys(ctx, session)
	return nil
}

// RevokeByRefresh revokes the single session a refresh token belongs to.
func (r *Registry) RevokeByRefresh(ctx context.Context, refreshToken string) error {
	claims, err := r.parseToken(refreshToken, r.cfg.RefreshSecret, "refresh")
	if err != nil {
		return err
	}
	secret, _ := claims["jti"].(string)
	if secret == "" {
		return models.NewUnauthenticatedError("malformed refresh token")
	}
	session, err := r.resolveByRefresh(ctx, secret)
	if err != nil {
		return err
	}
	if session == nil {
		return models.NewUnauthenticatedError("session expired or revoked")
	}
	if err := r.sessions.Invalidate(ctx, session.ID); err != nil {
		return err
	}
	r.dropSessionKeys(ctx, session)
	return nil
}

// InvalidateAll revokes every session of a user and returns the revoked ids
// so connected sockets can be torn down.
func (r *Registry) InvalidateAll(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	// Grab the live sessions first: their refresh secrets are needed to
	// clear the by-refresh blobs.
	var live []models.Session
	if r.rdb != nil {
		live, _ = r.sessions.ListActiveByUser(ctx, userID)
	}

	ids, err := r.sessions.InvalidateAllForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.rdb != nil {
		keys := []string{cache.SessionsByUserKey(userID)}
		for _, id := range ids {
			keys = append(keys, cache.SessionByIDKey(id))
		}
		for i := range live {
			keys = append(keys, cache.SessionByRefreshKey(live[i].RefreshSecret))
		}
		r.rdb.Del(ctx, keys...)
	}
	return ids, nil
}

// AttachSocket records the socket currently bound to a session.
func (r *Registry) AttachSocket(ctx context.Context, sessionID uuid.UUID, socketID string) error {
	if err := r.sessions.AttachSocket(ctx, sessionID, socketID); err != nil {
		return err
	}
	if r.rdb != nil {
		r.rdb.Del(ctx, cache.SessionByIDKey(sessionID))
	}
	return nil
}

// Touch bumps a session's activity timestamp. Failures only cost freshness.
func (r *Registry) Touch(ctx context.Context, sessionID uuid.UUID) {
	if err := r.sessions.TouchActivity(ctx, sessionID, time.Now()); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to touch session",
			slog.String("session_id", sessionID.String()), slog.String("error", err.Error()))
	}
}

// PurgeExpired removes sessions past their expiry. Run periodically.
func (r *Registry) PurgeExpired(ctx context.Context) (int64, error) {
	return r.sessions.DeleteExpired(ctx, time.Now())
}

func (r *Registry) mintPair(session *models.Session) (*TokenPair, error) {
	now := time.Now()

	accessClaims := jwt.MapClaims{
		"sub":  session.UserID.String(),
		"sid":  session.ID.String(),
		"kind": "access",
		"iss":  issuer,
		"aud":  audience,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(r.cfg.AccessTTL).Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).
		SignedString([]byte(r.cfg.AccessSecret))
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	refreshClaims := jwt.MapClaims{
		"sub":  session.UserID.String(),
		"sid":  session.ID.String(),
		"kind": "refresh",
		"jti":  session.RefreshSecret,
		"iss":  issuer,
		"aud":  audience,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  session.ExpiresAt.Unix(),
	}
	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).
		SignedString([]byte(r.cfg.RefreshSecret))
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(r.cfg.AccessTTL.Seconds()),
	}, nil
}

func (r *Registry) parseToken(tokenString, secret, wantKind string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, models.NewUnauthenticatedError("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, models.NewUnauthenticatedError("invalid token claims")
	}
	if kind, _ := claims["kind"].(string); kind != wantKind {
		return nil, models.NewUnauthenticatedError("wrong token kind")
	}
	return claims, nil
}

func (r *Registry) resolveByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	err := cache.Aside(ctx, r.rdb, cache.SessionByIDKey(id), &session, r.cacheTTL(), func() error {
		found, ferr := r.sessions.GetByID(ctx, id)
		if ferr != nil {
			return ferr
		}
		session = *found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *Registry) resolveByRefresh(ctx context.Context, secret string) (*models.Session, error) {
	// Refresh rotation must see the latest secret: skip the cache on miss
	// and go straight to the writer.
	if r.rdb != nil {
		var cached models.Session
		raw, err := r.rdb.Get(ctx, cache.SessionByRefreshKey(secret)).Result()
		if err == nil {
			if uerr := json.Unmarshal([]byte(raw), &cached); uerr == nil {
				return &cached, nil
			}
		}
	}
	return r.sessions.GetByRefreshSecret(ctx, secret)
}

func (r *Registry) cacheTTL() time.Duration {
	if r.cfg.RefreshTTL < cache.SessionTTLCap {
		return r.cfg.RefreshTTL
	}
	return cache.SessionTTLCap
}

func (r *Registry) cacheSession(ctx context.Context, session *models.Session) {
	if r.rdb == nil {
		return
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl > cache.SessionTTLCap {
		ttl = cache.SessionTTLCap
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return
	}
	// One round trip keeps the three key patterns in step: the id and
	// refresh blobs plus the per-user id set.
	userKey := cache.SessionsByUserKey(session.UserID)
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, cache.SessionByIDKey(session.ID), raw, ttl)
	pipe.Set(ctx, cache.SessionByRefreshKey(session.RefreshSecret), raw, ttl)
	pipe.SAdd(ctx, userKey, session.ID.String())
	pipe.Expire(ctx, userKey, cache.SessionTTLCap)
	if _, err := pipe.Exec(ctx); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to cache session",
			slog.String("session_id", session.ID.String()), slog.String("error", err.Error()))
	}
}

func (r *Registry) dropSessionKeys(ctx context.Context, session *models.Session) {
	if r.rdb == nil {
		return
	}
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, cache.SessionByIDKey(session.ID), cache.SessionByRefreshKey(session.RefreshSecret))
	pipe.SRem(ctx, cache.SessionsByUserKey(session.UserID), session.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to drop session keys",
			slog.String("session_id", session.ID.String()), slog.String("error", err.Error()))
	}
}
