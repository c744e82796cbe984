package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/storage"
)

func newStore(t *testing.T) *storage.Manager {
	t.Helper()
	store, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)
	return store
}

func readCSV(t *testing.T, path string) (bom bool, records [][]string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	bom = bytes.HasPrefix(data, utf8BOM)
	records, err = csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM))).ReadAll()
	require.NoError(t, err)
	return bom, records
}

func TestCSVAppendsWithSingleHeader(t *testing.T) {
	store := newStore(t)
	s := NewCSV(store, false)
	user := models.User{ID: "42", ScreenName: "alice"}
	ctx := context.Background()

	require.NoError(t, s.WritePosts(ctx, user, Flatten([]*models.Post{testPost("1", 1)})))
	require.NoError(t, s.WritePosts(ctx, user, Flatten([]*models.Post{reshare("2", "3")})))

	bom, records := readCSV(t, filepath.Join(store.Root(), "alice", "42.csv"))

	assert.True(t, bom)
	require.Len(t, records, 4, "one header and three rows")
	assert.Equal(t, s.Header(), records[0])
	assert.Equal(t, "1\t", records[1][0])
	assert.Equal(t, "2024-03-01T08:30:00", records[1][7])
	assert.Equal(t, "2024-03-01 08:30:00", records[1][14])
	assert.Equal(t, "true", records[1][15])

	assert.Equal(t, "2\t", records[2][0])
	assert.Equal(t, "false", records[2][15])
	assert.Equal(t, "3\t", records[2][16])
	assert.Equal(t, "3\t", records[3][0])
}

func TestCSVOnlyOriginalHeader(t *testing.T) {
	s := NewCSV(newStore(t), true)

	assert.Equal(t, postHeader, s.Header())
	assert.Len(t, NewCSV(newStore(t), false).Header(), len(postHeader)+2)
}

func TestCSVWriteUser(t *testing.T) {
	store := newStore(t)
	s := NewCSV(store, true)
	ctx := context.Background()

	require.NoError(t, s.WriteUser(ctx, models.User{ID: "1", ScreenName: "a", FollowersCount: 10}))
	require.NoError(t, s.WriteUser(ctx, models.User{ID: "2", ScreenName: "b"}))

	_, records := readCSV(t, filepath.Join(store.Root(), "users.csv"))
	require.Len(t, records, 3)
	assert.Equal(t, userHeader, records[0])
	assert.Equal(t, "10", records[1][10])
	assert.Equal(t, "2\t", records[2][0])
}

func TestJSONMergesById(t *testing.T) {
	store := newStore(t)
	s := NewJSON(store)
	user := models.User{ID: "42", ScreenName: "alice"}
	ctx := context.Background()

	first := testPost("1", 1)
	require.NoError(t, s.WritePosts(ctx, user, Flatten([]*models.Post{first, testPost("2", 2)})))

	updated := testPost("1", 1)
	updated.AttitudesCount = 99
	require.NoError(t, s.WritePosts(ctx, user, Flatten([]*models.Post{updated, testPost("3", 3)})))

	data, err := os.ReadFile(filepath.Join(store.Root(), "alice", "42.json"))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, "alice", doc.User.ScreenName)
	require.Len(t, doc.Posts, 3)
	assert.Equal(t, "1", doc.Posts[0].ID)
	assert.Equal(t, int64(99), doc.Posts[0].AttitudesCount)
	assert.Equal(t, "3", doc.Posts[2].ID)
	assert.Equal(t, first.CreatedAt.Unix(), doc.Posts[0].CreatedAt.Unix())
}

func TestJSONKeepsUnicodeUnescaped(t *testing.T) {
	store := newStore(t)
	p := testPost("1", 1)
	p.Text = "春游 <b>&</b>"

	require.NoError(t, NewJSON(store).WritePosts(context.Background(), models.User{ID: "42"}, []models.Post{*p}))

	data, err := os.ReadFile(filepath.Join(store.Root(), "42", "42.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "春游 <b>&</b>")
}

func TestMerge(t *testing.T) {
	existing := []models.Post{{ID: "a"}, {ID: "b"}}

	out := Merge(existing, []models.Post{{ID: "b", Text: "new"}, {ID: "c"}, {ID: "c", Text: "again"}})

	require.Len(t, out, 3)
	assert.Equal(t, "new", out[1].Text)
	assert.Equal(t, "again", out[2].Text)
}
