package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// IdempotencyHeader carries the client's key; it doubles as the saga id.
	IdempotencyHeader = "Idempotency-Key"

	// LockTimeout prevents indefinite locks if a request crashes
	LockTimeout = 10 * time.Second

	// LockKeyPrefix for namespacing distributed locks
	LockKeyPrefix = "lock:transfer:"

	// maxKeyScan bounds how much of a body is read looking for a saga_id.
	maxKeyScan = 1 << 20
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLock serializes concurrent requests that share an idempotency key. Only one of
// them reaches the handler at a time; the others get 409 and can retry. Duplicates that
// arrive later are deduplicated by the saga log itself, so the lock only has to cover the
// window of one request. The key is the Idempotency-Key header or, without one, the
// saga_id of the JSON body, the same id the handler uses.
func RequestLock(rdb *redis.Client, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			idempotencyKey := requestKey(r)
			if idempotencyKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			lockKey := LockKeyPrefix + idempotencyKey

			acquired, err := rdb.SetNX(ctx, lockKey, "processing", LockTimeout).Result()
			if err != nil {
				// the saga log still rejects duplicates, so fail open
				logger.Warn("request lock unavailable", zap.String("key", idempotencyKey), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if !acquired {
				logger.Info("concurrent request detected", zap.String("key", idempotencyKey))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "conflict",
					"message": "A request with this idempotency key is currently being processed",
				})
				return
			}

			defer func() {
				// release even if the client went away
				if err := rdb.Del(context.WithoutCancel(ctx), lockKey).Err(); err != nil {
					logger.Warn("failed to release request lock", zap.String("key", idempotencyKey), zap.Error(err))
				}
			}()

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Debug("locked request finished",
				zap.String("key", idempotencyKey), zap.Int("status", rec.statusCode))
		})
	}
}

// requestKey returns the id a transfer request will be stored under. Reading the body to
// find it leaves r.Body replayable for the handler.
func requestKey(r *http.Request) string {
	if key := r.Header.Get(IdempotencyHeader); key != "" {
		return key
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, maxKeyScan))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil {
		return ""
	}

	var payload struct {
		SagaID string `json:"saga_id"`
	}
	if err := json.Unmarshal(head, &payload); err != nil {
		return ""
	}

	return payload.SagaID
}
