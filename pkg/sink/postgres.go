package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/models"
)

// pgExecutor is the part of *pgxpool.Pool the sink uses
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS "user" (
	id varchar(20) PRIMARY KEY,
	screen_name varchar(30),
	gender varchar(10),
	statuses_count bigint,
	followers_count bigint,
	follow_count bigint,
	registration_time varchar(20),
	sunshine varchar(20),
	birthday varchar(40),
	location varchar(200),
	education varchar(200),
	company varchar(200),
	description varchar(400),
	profile_url varchar(200),
	profile_image_url varchar(200),
	avatar_hd varchar(200),
	urank bigint,
	mbrank bigint,
	verified boolean DEFAULT false,
	verified_type bigint,
	verified_reason varchar(140)
);
CREATE TABLE IF NOT EXISTS weibo (
	id varchar(20) PRIMARY KEY,
	bid varchar(12) NOT NULL,
	user_id varchar(20),
	screen_name varchar(30),
	text text,
	article_url varchar(100),
	topics varchar(200),
	at_users varchar(1000),
	pics varchar(3000),
	video_url varchar(1000),
	live_photo_url varchar(1000),
	location varchar(100),
	created_at timestamp,
	source varchar(30),
	attitudes_count bigint,
	comments_count bigint,
	reposts_count bigint,
	retweet_id varchar(20)
);
CREATE TABLE IF NOT EXISTS comments (
	id varchar(20) PRIMARY KEY,
	bid varchar(20) NOT NULL,
	weibo_id varchar(32) NOT NULL,
	root_id varchar(20),
	user_id varchar(20) NOT NULL,
	created_at varchar(20),
	user_screen_name varchar(64) NOT NULL,
	user_avatar_url text,
	text varchar(1000),
	pic_url text,
	like_count bigint
);
CREATE TABLE IF NOT EXISTS reposts (
	id varchar(20) PRIMARY KEY,
	bid varchar(20) NOT NULL,
	weibo_id varchar(32) NOT NULL,
	user_id varchar(20) NOT NULL,
	created_at varchar(20),
	user_screen_name varchar(64) NOT NULL,
	user_avatar_url text,
	text varchar(1000),
	like_count bigint
);`

var (
	pgUserColumns = []string{"id", "screen_name", "gender", "statuses_count", "followers_count",
		"follow_count", "registration_time", "sunshine", "birthday", "location", "education",
		"company", "description", "profile_url", "profile_image_url", "avatar_hd", "urank",
		"mbrank", "verified", "verified_type", "verified_reason"}
	pgPostColumns = []string{"id", "bid", "user_id", "screen_name", "text", "article_url",
		"topics", "at_users", "pics", "video_url", "live_photo_url", "location", "created_at",
		"source", "attitudes_count", "comments_count", "reposts_count", "retweet_id"}
	pgCommentColumns = []string{"id", "bid", "weibo_id", "root_id", "user_id", "created_at",
		"user_screen_name", "user_avatar_url", "text", "pic_url", "like_count"}
	pgRepostColumns = []string{"id", "bid", "weibo_id", "user_id", "created_at",
		"user_screen_name", "user_avatar_url", "text", "like_count"}
)

// Postgres upserts rows into the relational tables user, weibo, comments and
// reposts. A re-fetched row overwrites the engagement counters.
type Postgres struct {
	db        pgExecutor
	close     func()
	batchSize int
}

// NewPostgres connects to dsn and creates the tables when missing
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeConfig, err, "postgres dsn")
	}
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypePersistence, err, "postgres connect")
	}
	if err := ping(ctx, "postgres", pool.Ping, nil); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.ErrorTypePersistence, err, "postgres ping")
	}
	s := newPostgres(pool)
	s.close = pool.Close
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgres(db pgExecutor) *Postgres {
	return &Postgres{db: db, close: func() {}, batchSize: 200}
}

func (s *Postgres) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, pgSchema); err != nil {
		return errs.Wrap(errs.ErrorTypePersistence, err, "postgres schema")
	}
	return nil
}

func (s *Postgres) Name() string { return "postgres" }

func (s *Postgres) Close() error {
	s.close()
	return nil
}

// upsertSQL builds an INSERT ... ON CONFLICT (first column) DO UPDATE
func upsertSQL(table string, cols []string) string {
	ph := make([]string, len(cols))
	set := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		ph[i] = fmt.Sprintf("$%d", i+1)
		if i > 0 {
			set = append(set, c+" = EXCLUDED."+c)
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(ph, ", "), cols[0], strings.Join(set, ", "))
}

// upsert sends rows in batches of batchSize
func (s *Postgres) upsert(ctx context.Context, table string, cols []string, rows [][]any) error {
	query := upsertSQL(table, cols)
	for i := 0; i < len(rows); i += s.batchSize {
		j := min(i+s.batchSize, len(rows))
		b := &pgx.Batch{}
		for _, r := range rows[i:j] {
			b.Queue(query, r...)
		}
		br := s.db.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return errs.Wrap(errs.ErrorTypePersistence, err, "upsert "+table)
			}
		}
		if err := br.Close(); err != nil {
			return errs.Wrap(errs.ErrorTypePersistence, err, "upsert "+table)
		}
	}
	return nil
}

func (s *Postgres) WriteUser(ctx context.Context, u models.User) error {
	return s.upsert(ctx, `"user"`, pgUserColumns, [][]any{{
		u.ID, u.ScreenName, u.Gender, u.StatusesCount, u.FollowersCount, u.FollowCount,
		u.RegistrationTime, u.Sunshine, u.Birthday, u.Location, u.Education, u.Company,
		u.Description, u.ProfileURL, u.ProfileImageURL, u.AvatarHD, u.Urank, u.Mbrank,
		u.Verified, u.VerifiedType, u.VerifiedReason,
	}})
}

func (s *Postgres) WritePosts(ctx context.Context, user models.User, posts []models.Post) error {
	rows := make([][]any, 0, len(posts))
	for _, p := range posts {
		var created *time.Time
		if !p.CreatedAt.IsZero() {
			t := p.CreatedAt
			created = &t
		}
		rows = append(rows, []any{
			p.ID, p.BID, p.UserID, p.ScreenName, p.Text, p.ArticleURL,
			strings.Join(p.Topics, ","), strings.Join(p.AtUsers, ","), strings.Join(p.Pics, ","),
			p.VideoURL, strings.Join(p.LivePhotoURLs, ";"), p.Location, created,
			p.Source, p.AttitudesCount, p.CommentsCount, p.RepostsCount, p.RetweetID,
		})
	}
	return s.upsert(ctx, "weibo", pgPostColumns, rows)
}

func (s *Postgres) WriteComments(ctx context.Context, comments []models.Comment) error {
	var rows [][]any
	for _, c := range flattenComments(comments) {
		rows = append(rows, []any{
			c.ID, c.BID, c.PostID, c.RootID, c.UserID, c.CreatedAt,
			c.UserScreenName, c.UserAvatarURL, c.Text, c.PicURL, c.LikeCount,
		})
	}
	return s.upsert(ctx, "comments", pgCommentColumns, rows)
}

func (s *Postgres) WriteReposts(ctx context.Context, reposts []models.Repost) error {
	rows := make([][]any, 0, len(reposts))
	for _, r := range reposts {
		rows = append(rows, []any{
			r.ID, r.BID, r.PostID, r.UserID, r.CreatedAt,
			r.UserScreenName, r.UserAvatarURL, r.Text, r.LikeCount,
		})
	}
	return s.upsert(ctx, "reposts", pgRepostColumns, rows)
}
