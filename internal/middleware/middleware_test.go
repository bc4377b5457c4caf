// internal/middleware/middleware_test.go

package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/auth"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// echoPlayer writes the authenticated player id.
var echoPlayer = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, _ := PlayerIDFromContext(r.Context())
	w.Write([]byte(id))
})

func TestRequireAuth(t *testing.T) {
	require.NoError(t, auth.Init(time.Hour))
	token, err := auth.CreateJWT("player-1")
	require.NoError(t, err)

	h := RequireAuth(quietLogger())(echoPlayer)

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK, "player-1"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: token}) }, http.StatusOK, "player-1"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, http.StatusOK, "player-1"},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/lobbies", nil)
			tc.setup(req)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.body, w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: rate.Limit(1), Burst: 2, CleanupInterval: time.Minute}, quietLogger())
	defer rl.Stop()
	h := rl.Middleware()(echoPlayer)

	send := func(player string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/lobbies", nil)
		req = req.WithContext(WithPlayerID(req.Context(), player))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("a").Code)
	assert.Equal(t, http.StatusOK, send("a").Code)
	limited := send("a")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	// buckets are per player
	assert.Equal(t, http.StatusOK, send("b").Code)
	assert.Equal(t, 2, rl.Len())

	rl.cleanup(time.Now().Add(3 * time.Minute))
	assert.Equal(t, 0, rl.Len())
}

func TestLogMiddlewareObservesStatus(t *testing.T) {
	var got []int
	h := LogMiddleware(quietLogger(), func(status int) { got = append(got, status) })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))

	req := httptest.NewRequest(http.MethodPost, "/lobbies/x/join", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, []int{http.StatusConflict}, got)
}
