package models

import (
	"encoding/json"
	"time"
)

// User is the profile of a crawled account
type User struct {
	ID               string `json:"id" bson:"id"`
	ScreenName       string `json:"screen_name" bson:"screen_name"`
	Gender           string `json:"gender" bson:"gender"`
	Birthday         string `json:"birthday" bson:"birthday"`
	Location         string `json:"location" bson:"location"`
	Education        string `json:"education" bson:"education"`
	Company          string `json:"company" bson:"company"`
	RegistrationTime string `json:"registration_time" bson:"registration_time"`
	Sunshine         string `json:"sunshine" bson:"sunshine"`
	StatusesCount    int64  `json:"statuses_count" bson:"statuses_count"`
	FollowersCount   int64  `json:"followers_count" bson:"followers_count"`
	FollowCount      int64  `json:"follow_count" bson:"follow_count"`
	Description      string `json:"description" bson:"description"`
	ProfileURL       string `json:"profile_url" bson:"profile_url"`
	ProfileImageURL  string `json:"profile_image_url" bson:"profile_image_url"`
	AvatarHD         string `json:"avatar_hd" bson:"avatar_hd"`
	Urank            int64  `json:"urank" bson:"urank"`
	Mbrank           int64  `json:"mbrank" bson:"mbrank"`
	Verified         bool   `json:"verified" bson:"verified"`
	VerifiedType     int64  `json:"verified_type" bson:"verified_type"`
	VerifiedReason   string `json:"verified_reason" bson:"verified_reason"`
}

// Post is the canonical record of one post. Retweet holds the reshared post
// while in memory; sinks only ever see flattened rows linked by RetweetID.
type Post struct {
	ID             string    `json:"id" bson:"id"`
	BID            string    `json:"bid" bson:"bid"`
	UserID         string    `json:"user_id" bson:"user_id"`
	ScreenName     string    `json:"screen_name" bson:"screen_name"`
	RawText        string    `json:"-" bson:"-"`
	Text           string    `json:"text" bson:"text"`
	ArticleURL     string    `json:"article_url" bson:"article_url"`
	Pics           []string  `json:"pics" bson:"pics"`
	VideoURL       string    `json:"video_url" bson:"video_url"`
	LivePhotoURLs  []string  `json:"live_photo_url" bson:"live_photo_url"`
	Location       string    `json:"location" bson:"location"`
	CreatedAt      time.Time `json:"-" bson:"created_at"`
	Source         string    `json:"source" bson:"source"`
	AttitudesCount int64     `json:"attitudes_count" bson:"attitudes_count"`
	CommentsCount  int64     `json:"comments_count" bson:"comments_count"`
	RepostsCount   int64     `json:"reposts_count" bson:"reposts_count"`
	Topics         []string  `json:"topics" bson:"topics"`
	AtUsers        []string  `json:"at_users" bson:"at_users"`
	Pinned         bool      `json:"-" bson:"-"`
	RetweetID      string    `json:"retweet_id" bson:"retweet_id"`
	Retweet        *Post     `json:"-" bson:"-"`
}

// DateLayout is the ISO form of CreatedAt stored in sinks
const DateLayout = "2006-01-02T15:04:05"

// FullDateLayout is the human readable form of CreatedAt
const FullDateLayout = "2006-01-02 15:04:05"

// CreatedAtISO returns the creation time without zone, e.g. 2024-03-01T08:30:00
func (p *Post) CreatedAtISO() string {
	if p.CreatedAt.IsZero() {
		return ""
	}
	return p.CreatedAt.Format(DateLayout)
}

// FullCreatedAt returns the creation time as 2024-03-01 08:30:00
func (p *Post) FullCreatedAt() string {
	if p.CreatedAt.IsZero() {
		return ""
	}
	return p.CreatedAt.Format(FullDateLayout)
}

// IsOriginal reports whether the post carries no reshare
func (p *Post) IsOriginal() bool {
	return p.Retweet == nil && p.RetweetID == ""
}

// Flatten splits a reshare wrapper into two rows. The wrapper row comes first
// and references the reshared row through RetweetID.
func (p *Post) Flatten() []Post {
	if p.Retweet == nil {
		row := *p
		row.Retweet = nil
		return []Post{row}
	}
	wrapper := *p
	wrapper.Retweet = nil
	wrapper.RetweetID = p.Retweet.ID
	inner := *p.Retweet
	inner.Retweet = nil
	inner.RetweetID = ""
	return []Post{wrapper, inner}
}

type postAlias Post

type postJSON struct {
	*postAlias
	CreatedAt     string `json:"created_at"`
	FullCreatedAt string `json:"full_created_at"`
}

// MarshalJSON writes CreatedAt in both of its text forms
func (p Post) MarshalJSON() ([]byte, error) {
	return json.Marshal(postJSON{
		postAlias:     (*postAlias)(&p),
		CreatedAt:     p.CreatedAtISO(),
		FullCreatedAt: p.FullCreatedAt(),
	})
}

// UnmarshalJSON reads a record written by MarshalJSON
func (p *Post) UnmarshalJSON(data []byte) error {
	aux := postJSON{postAlias: (*postAlias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.CreatedAt != "" {
		t, err := time.ParseInLocation(DateLayout, aux.CreatedAt, time.Local)
		if err != nil {
			return err
		}
		p.CreatedAt = t
	}
	return nil
}

// Comment is one comment left under a post
type Comment struct {
	ID             string `json:"id" bson:"id"`
	BID            string `json:"bid" bson:"bid"`
	RootID         string `json:"root_id" bson:"root_id"`
	PostID         string `json:"weibo_id" bson:"weibo_id"`
	UserID         string `json:"user_id" bson:"user_id"`
	UserScreenName string `json:"user_screen_name" bson:"user_screen_name"`
	UserAvatarURL  string `json:"user_avatar_url" bson:"user_avatar_url"`
	Text           string `json:"text" bson:"text"`
	PicURL         string `json:"pic_url" bson:"pic_url"`
	LikeCount      int64  `json:"like_count" bson:"like_count"`
	CreatedAt      string `json:"created_at" bson:"created_at"`
	// Replies carries the nested replies returned inline with the comment
	Replies []Comment `json:"-" bson:"-"`
}

// Repost is one reshare of a post by another account
type Repost struct {
	ID             string `json:"id" bson:"id"`
	BID            string `json:"bid" bson:"bid"`
	PostID         string `json:"weibo_id" bson:"weibo_id"`
	UserID         string `json:"user_id" bson:"user_id"`
	UserScreenName string `json:"user_screen_name" bson:"user_screen_name"`
	UserAvatarURL  string `json:"user_avatar_url" bson:"user_avatar_url"`
	Text           string `json:"text" bson:"text"`
	LikeCount      int64  `json:"like_count" bson:"like_count"`
	CreatedAt      string `json:"created_at" bson:"created_at"`
}

// MediaKind names the media family of an asset
type MediaKind string

const (
	MediaImage     MediaKind = "img"
	MediaVideo     MediaKind = "video"
	MediaLivePhoto MediaKind = "live_photo"
	MediaComment   MediaKind = "comment_img"
)

// MediaAsset is one file to download for a post
type MediaAsset struct {
	URL       string
	Dest      string
	Ext       string
	PostID    string
	CommentID string
	Kind      MediaKind
}
