package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCache_KeyedPerCaller(t *testing.T) {
	calls := 0
	r := gin.New()
	keyFn := func(c *gin.Context) string {
		return c.GetHeader("X-Subject") + ":" + c.Request.URL.RequestURI()
	}
	r.GET("/devices", Cache(cache.New(time.Minute, time.Minute), time.Minute, keyFn), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"subject": c.GetHeader("X-Subject"), "calls": calls})
	})

	get := func(subject string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/devices", nil)
		req.Header.Set("X-Subject", subject)
		r.ServeHTTP(w, req)
		return w
	}

	first := get("1")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"subject":"1","calls":1}`, first.Body.String())

	cached := get("1")
	assert.JSONEq(t, `{"subject":"1","calls":1}`, cached.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", cached.Header().Get("Content-Type"))

	other := get("2")
	assert.JSONEq(t, `{"subject":"2","calls":2}`, other.Body.String())
	assert.Equal(t, 2, calls)
}

func TestCache_SkipsFailuresAndEmptyKeys(t *testing.T) {
	calls := 0
	r := gin.New()
	store := cache.New(time.Minute, time.Minute)
	r.GET("/fail", Cache(store, time.Minute, nil), func(c *gin.Context) {
		calls++
		c.Status(http.StatusInternalServerError)
	})
	r.GET("/nokey", Cache(store, time.Minute, func(*gin.Context) string { return "" }), func(c *gin.Context) {
		calls++
		c.Status(http.StatusOK)
	})

	for _, path := range []string{"/fail", "/fail", "/nokey", "/nokey"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, path, nil)
		r.ServeHTTP(w, req)
	}
	assert.Equal(t, 4, calls)
	assert.Zero(t, store.ItemCount())
}

func TestRateLimiter(t *testing.T) {
	r := gin.New()
	r.GET("/", RateLimiter(rate.Limit(1), 2, time.Minute), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Another address has its own bucket.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCache_DefaultKeyIncludesQuery(t *testing.T) {
	calls := 0
	r := gin.New()
	r.GET("/alerts", Cache(cache.New(time.Minute, time.Minute), time.Minute, nil), func(c *gin.Context) {
		calls++
		c.String(http.StatusOK, c.Query("page"))
	})

	bodies := make([]string, 0, 3)
	for _, target := range []string{"/alerts?page=1", "/alerts?page=2", "/alerts?page=1"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, target, nil)
		r.ServeHTTP(w, req)
		bodies = append(bodies, w.Body.String())
	}
	assert.Equal(t, []string{"1", "2", "1"}, bodies)
	assert.Equal(t, 2, calls)
}

func TestClientLimiters_IdleBucketsExpire(t *testing.T) {
	limiters := NewClientLimiters(rate.Limit(0.001), 1, 30*time.Millisecond)

	assert.True(t, limiters.Limiter("10.0.0.1").Allow())
	assert.False(t, limiters.Limiter("10.0.0.1").Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, limiters.Limiter("10.0.0.1").Allow())
}
