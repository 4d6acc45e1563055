package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiterRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestCheckRateLimitDisabledOutsideProduction(t *testing.T) {
	rdb, _ := setupLimiterRedis(t)
	ctx := context.Background()

	for _, env := range []string{"", "development", "test", "stress"} {
		t.Setenv("APP_ENV", env)
		for i := 0; i < 100; i++ {
			allowed, _, err := CheckRateLimit(ctx, rdb, "send", "user-1", 1, time.Second)
			require.NoError(t, err)
			require.True(t, allowed)
		}
	}
}

func TestCheckRateLimitFixedWindow(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	rdb, mr := setupLimiterRedis(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _, err := CheckRateLimit(ctx, rdb, "send", "user-1", 10, time.Second)
		require.NoError(t, err)
		require.True(t, allowed, "request %d should pass", i+1)
	}

	allowed, retryAfter, err := CheckRateLimit(ctx, rdb, "send", "user-1", 10, time.Second)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// A different caller has its own bucket.
	allowed, _, err = CheckRateLimit(ctx, rdb, "send", "user-2", 10, time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)

	// The window resets once the key expires.
	mr.FastForward(2 * time.Second)
	allowed, _, err = CheckRateLimit(ctx, rdb, "send", "user-1", 10, time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimitMiddlewareFailPolicies(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close() // every command now errors

	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }

	t.Run("FailOpen", func(t *testing.T) {
		app := fiber.New()
		app.Get("/", RateLimit(rdb, 1, time.Second), ok)
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("FailClosed", func(t *testing.T) {
		app := fiber.New()
		app.Get("/", RateLimitWithPolicy(rdb, 1, time.Second, FailClosed), ok)
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestRateLimitMiddlewareRejectsWithRetryAfter(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	rdb, _ := setupLimiterRedis(t)

	app := fiber.New()
	app.Get("/", RateLimit(rdb, 2, time.Minute, "probe"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAuthAttemptLimitRefundsSuccesses(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	rdb, _ := setupLimiterRedis(t)

	app := fiber.New()
	status := http.StatusOK
	app.Post("/login", AuthAttemptLimit(rdb, 2, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(status)
	})

	// Successful attempts refund the counter and never exhaust the budget.
	for i := 0; i < 5; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/login", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Failures stick: the third consecutive failure trips the limiter.
	status = http.StatusUnauthorized
	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/login", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/login", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
