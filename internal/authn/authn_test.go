package authn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/telemetry"
)

func TestValidateCachesAndCallsProxyOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(validateResponse{UserID: "u1", Roles: []string{"agent_user"}})
	}))
	defer server.Close()

	cache := NewTokenCache(300*time.Second, clockid.SystemClock{})
	v := NewValidator(server.URL, cache, telemetry.NoOp())

	for i := 0; i < 5; i++ {
		subject, err := v.Validate(context.Background(), "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", subject.ID)
		assert.True(t, subject.HasRole("agent_user"))
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "cache hits must not re-call the auth proxy")
}

func TestValidateReturnsUnauthenticatedOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	cache := NewTokenCache(300*time.Second, clockid.SystemClock{})
	v := NewValidator(server.URL, cache, telemetry.NoOp())

	_, err := v.Validate(context.Background(), "bad-token")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestValidateNeverCachesNegativeResult(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cache := NewTokenCache(300*time.Second, clockid.SystemClock{})
	v := NewValidator(server.URL, cache, telemetry.NoOp())

	v.Validate(context.Background(), "tok-2")
	v.Validate(context.Background(), "tok-2")

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "a denied token must be re-checked, not cached")
}

func TestValidateMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	cache := NewTokenCache(300*time.Second, clockid.SystemClock{})
	v := NewValidator(server.URL, cache, telemetry.NoOp())
	_, err := v.Validate(context.Background(), "tok-3")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenCacheHashesTokenNotRaw(t *testing.T) {
	cache := NewTokenCache(time.Minute, clockid.SystemClock{})
	cache.Put(clockid.Fingerprint("super-secret"), &Subject{ID: "u1"})
	_, ok := cache.Get("super-secret")
	assert.False(t, ok, "raw token string must never be usable as the cache key")
}

