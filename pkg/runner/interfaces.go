package runner

import (
	"context"
	"time"

	"weibocrawler/internal/downloader"
	"weibocrawler/pkg/boundary"
	"weibocrawler/pkg/checkpoint"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/ratelimit"
)

// ProfileSource loads account profiles
type ProfileSource interface {
	FetchUser(ctx context.Context, uid string) (models.User, error)
}

// SocialFetcher loads the comments and reposts of a post
type SocialFetcher interface {
	FetchComments(ctx context.Context, post *models.Post) ([]models.Comment, error)
	FetchReposts(ctx context.Context, post *models.Post) ([]models.Repost, error)
}

// MediaDownloader stores the media files of posts and comments
type MediaDownloader interface {
	Toggles() downloader.Toggles
	DownloadPosts(ctx context.Context, layout downloader.Layout, posts []*models.Post) downloader.Summary
	DownloadComments(ctx context.Context, layout downloader.Layout, comments []models.Comment) downloader.Summary
}

// Persister fans records out to the configured sinks
type Persister interface {
	Flush(ctx context.Context, user models.User, batch []*models.Post, written int) (int, error)
	WriteUser(ctx context.Context, user models.User) error
	WriteComments(ctx context.Context, comments []models.Comment) error
	WriteReposts(ctx context.Context, reposts []models.Repost) error
}

// CursorStore persists the incremental cursor of every account
type CursorStore interface {
	Load(userID string) (*checkpoint.Checkpoint, error)
	Record(userID, screenName string, cursor boundary.Cursor, started time.Time, fetched int) (*checkpoint.Checkpoint, error)
}

// Pauser provides randomized breaks
type Pauser interface {
	Pause(ctx context.Context, r ratelimit.Range) error
}
