package sink

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
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestWebhookDelivers(t *testing.T) {
	var got Document
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("api-token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer server.Close()

	s := NewWebhook(server.URL, "secret", logger.NewNopLogger())
	err := s.WritePosts(context.Background(), models.User{ID: "42"}, Flatten([]*models.Post{reshare("2", "3")}))

	require.NoError(t, err)
	assert.Equal(t, "42", got.User.ID)
	require.Len(t, got.Posts, 2)
	assert.Equal(t, "3", got.Posts[0].RetweetID)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	s := NewWebhook(server.URL, "", logger.NewNopLogger())
	s.SetSleeper(noSleep)

	require.NoError(t, s.WritePosts(context.Background(), models.User{ID: "42"}, []models.Post{*testPost("1", 1)}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookGivesUp(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := NewWebhook(server.URL, "", logger.NewNopLogger())
	s.SetSleeper(noSleep)

	err := s.WritePosts(context.Background(), models.User{ID: "42"}, []models.Post{*testPost("1", 1)})

	require.Error(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "first delivery plus three retries")
}

func TestWebhookSkipsEmptyBatch(t *testing.T) {
	s := NewWebhook("http://127.0.0.1:1/unreachable", "", logger.NewNopLogger())

	assert.NoError(t, s.WritePosts(context.Background(), models.User{ID: "42"}, nil))
}
