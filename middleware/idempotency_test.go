package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

func TestRequestLock(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		preLocked  bool
		wantStatus int
		wantCalled bool
	}{
		{name: "no key passes through", wantStatus: http.StatusAccepted, wantCalled: true},
		{name: "free key passes through", key: "k1", wantStatus: http.StatusAccepted, wantCalled: true},
		{name: "held key is rejected", key: "k1", preLocked: true, wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, rdb := setup(t)
			if tt.preLocked {
				require.NoError(t, mr.Set(LockKeyPrefix+tt.key, "processing"))
			}

			called := false
			handler := RequestLock(rdb, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				if tt.key != "" {
					assert.True(t, mr.Exists(LockKeyPrefix+tt.key), "lock held while handling")
				}
				w.WriteHeader(http.StatusAccepted)
			}))

			req := httptest.NewRequest(http.MethodPost, "/transfers", nil)
			if tt.key != "" {
				req.Header.Set(IdempotencyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalled, called)
			if tt.key != "" && !tt.preLocked {
				assert.False(t, mr.Exists(LockKeyPrefix+tt.key), "lock released")
			}
		})
	}
}

func TestRequestLockFailsOpen(t *testing.T) {
	mr, rdb := setup(t)
	mr.Close()

	called := false
	handler := RequestLock(rdb, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/transfers", nil)
	req.Header.Set(IdempotencyHeader, "k1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRequestLockFallsBackToBodySagaID(t *testing.T) {
	const body = `{"saga_id":"s-42","source_account_id":"alice","destination_account_id":"bob","amount":5}`

	tests := []struct {
		name       string
		body       string
		preLocked  string
		wantStatus int
		wantLock   string
	}{
		{name: "free body key is locked for the request", body: body, wantStatus: http.StatusAccepted, wantLock: "s-42"},
		{name: "held body key is rejected", body: body, preLocked: "s-42", wantStatus: http.StatusConflict},
		{name: "body without saga_id passes through", body: `{"amount":5}`, wantStatus: http.StatusAccepted},
		{name: "malformed body passes through", body: `{"saga_id":`, wantStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, rdb := setup(t)
			if tt.preLocked != "" {
				require.NoError(t, mr.Set(LockKeyPrefix+tt.preLocked, "processing"))
			}

			var seen string
			handler := RequestLock(rdb, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.wantLock != "" {
					assert.True(t, mr.Exists(LockKeyPrefix+tt.wantLock), "lock held while handling")
				}
				raw, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				seen = string(raw)
				w.WriteHeader(http.StatusAccepted)
			}))

			req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusAccepted {
				assert.Equal(t, tt.body, seen, "handler reads the untouched body")
			}
			if tt.wantLock != "" {
				assert.False(t, mr.Exists(LockKeyPrefix+tt.wantLock), "lock released")
			}
		})
	}
}

func TestRequestLockPrefersHeaderOverBody(t *testing.T) {
	mr, rdb := setup(t)
	require.NoError(t, mr.Set(LockKeyPrefix+"from-body", "processing"))

	called := false
	handler := RequestLock(rdb, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.True(t, mr.Exists(LockKeyPrefix+"from-header"))
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{"saga_id":"from-body"}`))
	req.Header.Set(IdempotencyHeader, "from-header")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
