package sink

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"weibocrawler/pkg/models"
)

// fakePG keeps upserted rows per table, keyed by their first argument
type fakePG struct {
	tables  map[string]map[string][]any
	batches int
	execs   []string
}

func newFakePG() *fakePG {
	return &fakePG{tables: make(map[string]map[string][]any)}
}

func (f *fakePG) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakePG) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batches++
	for _, q := range b.QueuedQueries {
		table := strings.Fields(q.SQL)[2]
		if f.tables[table] == nil {
			f.tables[table] = make(map[string][]any)
		}
		f.tables[table][q.Arguments[0].(string)] = q.Arguments
	}
	return &fakeBatchResults{n: b.Len()}
}

type fakeBatchResults struct{ n int }

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }
func (r *fakeBatchResults) Query() (pgx.Rows, error)         { return nil, nil }
func (r *fakeBatchResults) QueryRow() pgx.Row                { return nil }
func (r *fakeBatchResults) Close() error                     { return nil }

func TestUpsertSQL(t *testing.T) {
	got := upsertSQL("reposts", []string{"id", "text", "like_count"})

	assert.Equal(t, "INSERT INTO reposts (id, text, like_count) VALUES ($1, $2, $3) "+
		"ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, like_count = EXCLUDED.like_count", got)
}

func TestPostgresUpsertIsIdempotent(t *testing.T) {
	db := newFakePG()
	s := newPostgres(db)
	s.batchSize = 2
	ctx := context.Background()
	user := models.User{ID: "42"}
	rows := Flatten([]*models.Post{testPost("1", 1), reshare("2", "3")})

	require.NoError(t, s.migrate(ctx))
	require.NoError(t, s.WritePosts(ctx, user, rows))
	require.NoError(t, s.WritePosts(ctx, user, rows))

	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS weibo")
	assert.Len(t, db.tables["weibo"], 3)
	assert.Equal(t, 4, db.batches, "three rows in batches of two, written twice")
	assert.Equal(t, "3", db.tables["weibo"]["2"][17])
}

func TestPostgresUserAndSocial(t *testing.T) {
	db := newFakePG()
	s := newPostgres(db)
	ctx := context.Background()

	require.NoError(t, s.WriteUser(ctx, models.User{ID: "42", ScreenName: "alice"}))
	require.NoError(t, s.WriteComments(ctx, []models.Comment{
		{ID: "c1", PostID: "1", Replies: []models.Comment{{ID: "c2", PostID: "1", RootID: "c1"}}},
	}))
	require.NoError(t, s.WriteReposts(ctx, []models.Repost{{ID: "r1", PostID: "1"}}))

	assert.Equal(t, "alice", db.tables[`"user"`]["42"][1])
	assert.Len(t, db.tables["comments"], 2)
	assert.Len(t, db.tables["reposts"], 1)
}

// fakeCollection applies replace-by-id writes to an in-memory map
type fakeCollection struct {
	docs  map[string]interface{}
	calls int
}

func (c *fakeCollection) BulkWrite(ctx context.Context, writes []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	c.calls++
	if c.docs == nil {
		c.docs = make(map[string]interface{})
	}
	for _, w := range writes {
		m := w.(*mongo.ReplaceOneModel)
		if m.Upsert == nil || !*m.Upsert {
			continue
		}
		id := m.Filter.(bson.M)["id"].(string)
		c.docs[id] = m.Replacement
	}
	return &mongo.BulkWriteResult{}, nil
}

func TestMongoUpsertIsIdempotent(t *testing.T) {
	users, posts := &fakeCollection{}, &fakeCollection{}
	s := newMongo(users, posts)
	ctx := context.Background()
	user := models.User{ID: "42"}

	require.NoError(t, s.WriteUser(ctx, user))
	require.NoError(t, s.WritePosts(ctx, user, Flatten([]*models.Post{reshare("2", "3")})))

	again := testPost("2", 2)
	again.AttitudesCount = 7
	require.NoError(t, s.WritePosts(ctx, user, []models.Post{*again}))
	require.NoError(t, s.WritePosts(ctx, user, nil))

	assert.Len(t, users.docs, 1)
	assert.Len(t, posts.docs, 2)
	assert.Equal(t, 2, posts.calls)
	assert.Equal(t, int64(7), posts.docs["2"].(models.Post).AttitudesCount)
	require.NoError(t, s.Close())
}

func TestSQLiteUpsertAndRead(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "weibo", "weibodata.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	user := models.User{ID: "42", ScreenName: "alice"}
	rows := Flatten([]*models.Post{testPost("1", 1), reshare("2", "3")})

	require.NoError(t, s.WriteUser(ctx, user))
	require.NoError(t, s.WriteUser(ctx, user))
	require.NoError(t, s.WritePosts(ctx, user, rows))

	updated := rows[0]
	updated.AttitudesCount = 5
	require.NoError(t, s.WritePosts(ctx, user, []models.Post{updated}))

	list, err := s.Posts(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "2", list[0].ID, "newest first")
	assert.Equal(t, "3", list[0].RetweetID)

	p, err := s.Post(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.AttitudesCount)
	assert.Equal(t, "2024-03-01 08:30:00", p.CreatedAt)

	_, err = s.Post(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	page, err := s.Posts(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestSQLiteSocialTables(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "w.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	comments := []models.Comment{
		{ID: "c1", BID: "b", PostID: "1", UserID: "u", UserScreenName: "x",
			Replies: []models.Comment{{ID: "c2", BID: "b", PostID: "1", UserID: "v", UserScreenName: "y"}}},
	}

	require.NoError(t, s.WriteComments(ctx, comments))
	require.NoError(t, s.WriteComments(ctx, comments))
	require.NoError(t, s.WriteReposts(ctx, []models.Repost{{ID: "r1", BID: "b", PostID: "1", UserID: "u", UserScreenName: "x"}}))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM comments").Scan(&n))
	assert.Equal(t, 2, n)
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reposts").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLiteBins(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "w.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	asset := models.MediaAsset{URL: "https://wx1.sinaimg.cn/large/a.jpg", PostID: "1", Kind: models.MediaImage}

	require.NoError(t, s.SaveBin(ctx, asset, "/out/a.jpg", []byte{1, 2, 3}))
	require.NoError(t, s.SaveBin(ctx, asset, "/out/a.jpg", []byte{1, 2, 3}))
	require.NoError(t, s.SaveBin(ctx, asset, "/out/b.jpg", nil))

	ok, err := s.HasBin(ctx, "/out/a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasBin(ctx, "/out/b.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bins").Scan(&n))
	assert.Equal(t, 1, n)
}
