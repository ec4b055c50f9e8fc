package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentAPIRequestsBounded(t *testing.T) {
	var active, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), []string{srv.URL}, "", nil, 1)
	c.LimitConcurrentAPI(2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetModel(context.Background(), 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2), "no more than two metadata requests in flight")
	assert.Positive(t, peak.Load())
}

func TestFallbackRotatesToNextBaseURL(t *testing.T) {
	var badCalls int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 7, "name": "fallback"}`))
	}))
	defer good.Close()

	c := NewClient(nil, []string{bad.URL, good.URL}, "", nil, 3)
	m, _, err := c.GetModel(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, m.ID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&badCalls), "second attempt must leave the failing endpoint")
}

func TestRotateBaseWrapsAround(t *testing.T) {
	c := NewClient(nil, []string{"https://a.example/api/v1", "https://b.example/api/v1"}, "", nil, 1)
	assert.Equal(t, "https://b.example/api/v1/models/3",
		c.rotateBase("https://a.example/api/v1/models/3"))
	assert.Equal(t, "https://a.example/api/v1/models/3",
		c.rotateBase("https://b.example/api/v1/models/3"))
	assert.Equal(t, "https://elsewhere.example/models/3",
		c.rotateBase("https://elsewhere.example/models/3"))
}
