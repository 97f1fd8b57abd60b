package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func setupEngine(t *testing.T, limit int) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	r := gin.New()
	r.POST("/orders", RedisRateLimit(rdb, limit, time.Minute, zerolog.Nop()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r, mr
}

func post(r *gin.Engine, user string) int {
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRedisRateLimit_PerUser(t *testing.T) {
	r, _ := setupEngine(t, 2)

	assert.Equal(t, http.StatusOK, post(r, "u1"))
	assert.Equal(t, http.StatusOK, post(r, "u1"))
	assert.Equal(t, http.StatusTooManyRequests, post(r, "u1"))
	assert.Equal(t, http.StatusOK, post(r, "u2"))
}

func TestRedisRateLimit_FallsBackToIP(t *testing.T) {
	r, _ := setupEngine(t, 1)

	assert.Equal(t, http.StatusOK, post(r, ""))
	assert.Equal(t, http.StatusTooManyRequests, post(r, ""))
}

func TestRedisRateLimit_AllowsWhenRedisDown(t *testing.T) {
	r, mr := setupEngine(t, 1)
	mr.Close()

	assert.Equal(t, http.StatusOK, post(r, "u1"))
	assert.Equal(t, http.StatusOK, post(r, "u1"))
}
