package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/models"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user (
	id varchar(64) NOT NULL
	,nick_name varchar(64) NOT NULL
	,gender varchar(6)
	,follower_count integer
	,follow_count integer
	,birthday varchar(10)
	,location varchar(32)
	,edu varchar(32)
	,company varchar(32)
	,reg_date DATETIME
	,main_page_url text
	,avatar_url text
	,bio text
	,PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS weibo (
	id varchar(20) NOT NULL
	,bid varchar(12) NOT NULL
	,user_id varchar(20)
	,screen_name varchar(30)
	,text varchar(2000)
	,article_url varchar(100)
	,topics varchar(200)
	,at_users varchar(1000)
	,pics varchar(3000)
	,video_url varchar(1000)
	,live_photo_url varchar(1000)
	,location varchar(100)
	,created_at DATETIME
	,source varchar(30)
	,attitudes_count INT
	,comments_count INT
	,reposts_count INT
	,retweet_id varchar(20)
	,PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS idx_weibo_user ON weibo(user_id);

CREATE TABLE IF NOT EXISTS bins (
	id integer PRIMARY KEY AUTOINCREMENT
	,ext varchar(10) NOT NULL
	,data blob NOT NULL
	,weibo_id varchar(20)
	,comment_id varchar(20)
	,path text
	,url text
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_bins_path ON bins(path);

CREATE TABLE IF NOT EXISTS comments (
	id varchar(20) NOT NULL
	,bid varchar(20) NOT NULL
	,weibo_id varchar(32) NOT NULL
	,root_id varchar(20)
	,user_id varchar(20) NOT NULL
	,created_at varchar(20)
	,user_screen_name varchar(64) NOT NULL
	,user_avatar_url text
	,text varchar(1000)
	,pic_url text
	,like_count integer
	,PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS reposts (
	id varchar(20) NOT NULL
	,bid varchar(20) NOT NULL
	,weibo_id varchar(32) NOT NULL
	,user_id varchar(20) NOT NULL
	,created_at varchar(20)
	,user_screen_name varchar(64) NOT NULL
	,user_avatar_url text
	,text varchar(1000)
	,like_count integer
	,PRIMARY KEY (id)
);`

// ErrNotFound is returned by lookups of unknown ids
var ErrNotFound = errors.New("not found")

// SQLite stores everything in one embedded database file: the user, weibo,
// comments and reposts tables plus the optional bins media cache.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens or creates the database at path in WAL mode
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypePersistence, err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.ErrorTypePersistence, err, "enable WAL")
	}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.ErrorTypePersistence, err, "create sqlite tables")
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Close() error { return s.db.Close() }

// replace runs INSERT OR REPLACE for every row inside one transaction
func (s *SQLite) replace(ctx context.Context, table string, cols []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ","), strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.ErrorTypePersistence, err, "begin "+table)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return errs.Wrap(errs.ErrorTypePersistence, err, "prepare "+table)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil {
			_ = tx.Rollback()
			return errs.Wrap(errs.ErrorTypePersistence, err, "write "+table)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.ErrorTypePersistence, err, "commit "+table)
	}
	return nil
}

func (s *SQLite) WriteUser(ctx context.Context, u models.User) error {
	return s.replace(ctx, "user",
		[]string{"id", "nick_name", "gender", "follower_count", "follow_count", "birthday",
			"location", "edu", "company", "reg_date", "main_page_url", "avatar_url", "bio"},
		[][]any{{u.ID, u.ScreenName, u.Gender, u.FollowersCount, u.FollowCount, u.Birthday,
			u.Location, u.Education, u.Company, u.RegistrationTime, u.ProfileURL, u.AvatarHD,
			u.Description}})
}

var sqlitePostColumns = []string{"id", "bid", "user_id", "screen_name", "text", "article_url",
	"topics", "at_users", "pics", "video_url", "live_photo_url", "location", "created_at",
	"source", "attitudes_count", "comments_count", "reposts_count", "retweet_id"}

func (s *SQLite) WritePosts(ctx context.Context, user models.User, posts []models.Post) error {
	rows := make([][]any, 0, len(posts))
	for _, p := range posts {
		rows = append(rows, []any{
			p.ID, p.BID, p.UserID, p.ScreenName, p.Text, p.ArticleURL,
			strings.Join(p.Topics, ","), strings.Join(p.AtUsers, ","), strings.Join(p.Pics, ","),
			p.VideoURL, strings.Join(p.LivePhotoURLs, ";"), p.Location, p.FullCreatedAt(),
			p.Source, p.AttitudesCount, p.CommentsCount, p.RepostsCount, p.RetweetID,
		})
	}
	return s.replace(ctx, "weibo", sqlitePostColumns, rows)
}

func (s *SQLite) WriteComments(ctx context.Context, comments []models.Comment) error {
	var rows [][]any
	for _, c := range flattenComments(comments) {
		rows = append(rows, []any{c.ID, c.BID, c.PostID, c.RootID, c.UserID, c.CreatedAt,
			c.UserScreenName, c.UserAvatarURL, c.Text, c.PicURL, c.LikeCount})
	}
	return s.replace(ctx, "comments",
		[]string{"id", "bid", "weibo_id", "root_id", "user_id", "created_at",
			"user_screen_name", "user_avatar_url", "text", "pic_url", "like_count"}, rows)
}

func (s *SQLite) WriteReposts(ctx context.Context, reposts []models.Repost) error {
	rows := make([][]any, 0, len(reposts))
	for _, r := range reposts {
		rows = append(rows, []any{r.ID, r.BID, r.PostID, r.UserID, r.CreatedAt,
			r.UserScreenName, r.UserAvatarURL, r.Text, r.LikeCount})
	}
	return s.replace(ctx, "reposts",
		[]string{"id", "bid", "weibo_id", "user_id", "created_at",
			"user_screen_name", "user_avatar_url", "text", "like_count"}, rows)
}

// SaveBin caches the bytes of a downloaded media file, keyed by its path
func (s *SQLite) SaveBin(ctx context.Context, asset models.MediaAsset, path string, data []byte) error {
	ext := filepath.Ext(path)
	if asset.PostID == "" || ext == "" || len(data) == 0 {
		return nil
	}
	return s.replace(ctx, "bins",
		[]string{"ext", "data", "weibo_id", "comment_id", "path", "url"},
		[][]any{{ext, data, asset.PostID, asset.CommentID, path, asset.URL}})
}

// HasBin reports whether a media file is cached
func (s *SQLite) HasBin(ctx context.Context, path string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bins WHERE path = ?", path).Scan(&n)
	return n > 0, err
}

// PostRecord is a stored post as returned by the read API
type PostRecord struct {
	ID             string `json:"id"`
	BID            string `json:"bid"`
	UserID         string `json:"user_id"`
	ScreenName     string `json:"screen_name"`
	Text           string `json:"text"`
	ArticleURL     string `json:"article_url"`
	Topics         string `json:"topics"`
	AtUsers        string `json:"at_users"`
	Pics           string `json:"pics"`
	VideoURL       string `json:"video_url"`
	LivePhotoURL   string `json:"live_photo_url"`
	Location       string `json:"location"`
	CreatedAt      string `json:"created_at"`
	Source         string `json:"source"`
	AttitudesCount int64  `json:"attitudes_count"`
	CommentsCount  int64  `json:"comments_count"`
	RepostsCount   int64  `json:"reposts_count"`
	RetweetID      string `json:"retweet_id"`
}

const selectPosts = `SELECT id, bid, IFNULL(user_id,''), IFNULL(screen_name,''), IFNULL(text,''),
	IFNULL(article_url,''), IFNULL(topics,''), IFNULL(at_users,''), IFNULL(pics,''),
	IFNULL(video_url,''), IFNULL(live_photo_url,''), IFNULL(location,''), IFNULL(created_at,''),
	IFNULL(source,''), IFNULL(attitudes_count,0), IFNULL(comments_count,0),
	IFNULL(reposts_count,0), IFNULL(retweet_id,'') FROM weibo`

func scanPost(row interface{ Scan(...any) error }) (PostRecord, error) {
	var p PostRecord
	err := row.Scan(&p.ID, &p.BID, &p.UserID, &p.ScreenName, &p.Text, &p.ArticleURL,
		&p.Topics, &p.AtUsers, &p.Pics, &p.VideoURL, &p.LivePhotoURL, &p.Location,
		&p.CreatedAt, &p.Source, &p.AttitudesCount, &p.CommentsCount, &p.RepostsCount,
		&p.RetweetID)
	return p, err
}

// Posts lists stored posts, newest first
func (s *SQLite) Posts(ctx context.Context, limit, offset int) ([]PostRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectPosts+" ORDER BY created_at DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostRecord
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Post returns one stored post
func (s *SQLite) Post(ctx context.Context, id string) (PostRecord, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, selectPosts+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}
