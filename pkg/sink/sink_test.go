package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
)

type recordingSink struct {
	name string
	fail error

	mu       sync.Mutex
	rows     []models.Post
	users    []models.User
	comments []models.Comment
	closed   bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) WritePosts(ctx context.Context, user models.User, rows []models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *recordingSink) WriteUser(ctx context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, user)
	return s.fail
}

func (s *recordingSink) WriteComments(ctx context.Context, comments []models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, comments...)
	return nil
}

func (s *recordingSink) WriteReposts(ctx context.Context, reposts []models.Repost) error {
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

// postsOnly implements none of the optional writers
type postsOnly struct {
	rows   int
	closed bool
}

func (s *postsOnly) Name() string { return "plain" }

func (s *postsOnly) WritePosts(ctx context.Context, user models.User, rows []models.Post) error {
	s.rows += len(rows)
	return nil
}

func (s *postsOnly) Close() error {
	s.closed = true
	return nil
}

func testPost(id string, day int) *models.Post {
	return &models.Post{
		ID:        id,
		BID:       "B" + id,
		UserID:    "42",
		Text:      "post " + id,
		CreatedAt: time.Date(2024, 3, day, 8, 30, 0, 0, time.Local),
	}
}

func reshare(id, innerID string) *models.Post {
	p := testPost(id, 2)
	p.Retweet = testPost(innerID, 1)
	p.Retweet.UserID = "7"
	return p
}

func TestFlattenSplitsReshares(t *testing.T) {
	rows := Flatten([]*models.Post{testPost("1", 1), reshare("2", "3")})

	require.Len(t, rows, 3)
	assert.Equal(t, "1", rows[0].ID)
	assert.Equal(t, "2", rows[1].ID)
	assert.Equal(t, "3", rows[1].RetweetID)
	assert.Equal(t, "3", rows[2].ID)
	assert.Empty(t, rows[2].RetweetID)
	assert.Nil(t, rows[1].Retweet)
}

func TestFlushAdvancesWatermark(t *testing.T) {
	rec := &recordingSink{name: "rec"}
	f := NewFanout([]Sink{rec}, nil, logger.NewNopLogger())
	user := models.User{ID: "42"}
	batch := []*models.Post{testPost("1", 1), testPost("2", 2), testPost("3", 3)}

	written, err := f.Flush(context.Background(), user, batch[:2], 0)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	written, err = f.Flush(context.Background(), user, batch, written)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	written, err = f.Flush(context.Background(), user, batch, written)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	ids := make([]string, 0, len(rec.rows))
	for _, r := range rec.rows {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids, "every post is written exactly once")
}

func TestFlushIsolatesFailingSink(t *testing.T) {
	bad := &recordingSink{name: "bad", fail: errors.New("disk full")}
	good := &recordingSink{name: "good"}
	f := NewFanout([]Sink{bad, good}, nil, logger.NewNopLogger())

	written, err := f.Flush(context.Background(), models.User{ID: "42"}, []*models.Post{reshare("2", "3")}, 0)

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypePersistence))
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, 1, written)
	assert.Len(t, good.rows, 2)
}

func TestOptionalWriters(t *testing.T) {
	rec := &recordingSink{name: "rec"}
	plain := &postsOnly{}
	f := NewFanout([]Sink{rec, plain}, nil, logger.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, f.WriteUser(ctx, models.User{ID: "42"}))
	require.NoError(t, f.WriteComments(ctx, []models.Comment{{ID: "c1"}}))
	require.NoError(t, f.WriteComments(ctx, nil))

	assert.Len(t, rec.users, 1)
	assert.Len(t, rec.comments, 1)

	require.NoError(t, f.Close())
	assert.True(t, rec.closed)
	assert.True(t, plain.closed)
}

func TestFlattenComments(t *testing.T) {
	in := []models.Comment{
		{ID: "1", Replies: []models.Comment{{ID: "1a"}, {ID: "1b"}}},
		{ID: "2"},
	}

	out := flattenComments(in)

	require.Len(t, out, 4)
	assert.Equal(t, []string{"1", "1a", "1b", "2"}, []string{out[0].ID, out[1].ID, out[2].ID, out[3].ID})
	assert.Nil(t, out[0].Replies)
}
