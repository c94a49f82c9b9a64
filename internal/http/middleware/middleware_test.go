package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/config"
	"github.com/princekumarofficial/uploads-service/internal/ratelimit"
	"github.com/princekumarofficial/uploads-service/internal/testutil"
	"github.com/princekumarofficial/uploads-service/internal/utils/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func echoCaller(w http.ResponseWriter, r *http.Request) {
	caller, _ := GetCallerFromContext(r.Context())
	json.NewEncoder(w).Encode(caller)
}

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := jwt.CreateToken(userID, role, secret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuthMiddleware(t *testing.T) {
	handler := AuthMiddleware(secret)(http.HandlerFunc(echoCaller))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantAdmin  bool
	}{
		{"missing header", "", http.StatusUnauthorized, false},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, false},
		{"empty token", "Bearer ", http.StatusUnauthorized, false},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized, false},
		{"user", bearer(t, "user-1", ""), http.StatusOK, false},
		{"admin", bearer(t, "root", jwt.RoleAdmin), http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/uploads/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				var got struct {
					UserID string
					Admin  bool
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
				assert.NotEmpty(t, got.UserID)
				assert.Equal(t, tt.wantAdmin, got.Admin)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	handler := AuthMiddleware(secret)(RequireAdmin(http.HandlerFunc(echoCaller)))

	req := httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil)
	req.Header.Set("Authorization", bearer(t, "user-1", ""))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("Authorization", bearer(t, "root", jwt.RoleAdmin))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	client, _ := testutil.Redis(t)
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rlc := NewRateLimitConfig(client, config.RateLimit{CreatePerMinute: 2, ChunksPerMinute: 100}, ratelimit.WithClock(clock.Now))

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) })
	handler := AuthMiddleware(secret)(rlc.RateLimitedHandler(ratelimit.ActionCreate, ok))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/uploads", nil)
		req.Header.Set("Authorization", bearer(t, user, ""))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusCreated, do("alice").Code)
	rec := do("alice")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do("alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusCreated, do("bob").Code, "buckets are per user")

	clock.Advance(time.Minute)
	assert.Equal(t, http.StatusCreated, do("alice").Code)
}

func TestLogging_RecordsRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /uploads/{uploadId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	handler := Logging(logger, nil)(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/abc", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}
