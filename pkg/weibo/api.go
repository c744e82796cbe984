package weibo

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// FlexString decodes a JSON string or number into its literal text. Numeric
// ids exceed float64 precision, so the digits are copied verbatim.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	*s = FlexString(data)
	return nil
}

func (s FlexString) String() string { return string(s) }

// FlexCount decodes counters that arrive as numbers or as display strings
// such as "12", "3.4万", "100万+" or "1.2亿".
type FlexCount int64

// UnmarshalJSON implements json.Unmarshaler
func (c *FlexCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*c = FlexCount(ParseCount(v))
		return nil
	}
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("false")) {
		*c = 0
		return nil
	}
	if bytes.Equal(data, []byte("true")) {
		*c = 1
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*c = FlexCount(f)
	return nil
}

// ParseCount converts a display counter into an integer. Unparseable input
// yields 0.
func ParseCount(s string) int64 {
	s = strings.TrimSpace(s)
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "万+"):
		s = strings.TrimSuffix(s, "万+")
		mult = 1e4
	case strings.HasSuffix(s, "万"):
		s = strings.TrimSuffix(s, "万")
		mult = 1e4
	case strings.HasSuffix(s, "亿"):
		s = strings.TrimSuffix(s, "亿")
		mult = 1e8
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "+"), 64)
	if err != nil {
		return 0
	}
	return int64(f * mult)
}

// envelope is the outer shape shared by every JSON endpoint
type envelope struct {
	OK   FlexCount       `json:"ok"`
	Data json.RawMessage `json:"data"`
	URL  string          `json:"url"`
	Msg  string          `json:"msg"`
}

// TimelineData is the data object of a getIndex container page
type TimelineData struct {
	CardlistInfo struct {
		Total FlexCount `json:"total"`
	} `json:"cardlistInfo"`
	UserInfo *RawUser `json:"userInfo"`
	Cards    []Card   `json:"cards"`
}

// Card is one entry of a container. card_type 9 carries a post, 11 groups
// further cards.
type Card struct {
	CardType    int    `json:"card_type"`
	Mblog       *Mblog `json:"mblog"`
	CardGroup   []Card `json:"card_group"`
	ItemName    string `json:"item_name"`
	ItemContent string `json:"item_content"`
}

const (
	cardTypePost  = 9
	cardTypeGroup = 11
)

// Post returns the post carried by the card. A group card yields the post of
// its first member; any other card yields nil.
func (c Card) Post() *Mblog {
	if c.CardType == cardTypeGroup {
		if len(c.CardGroup) == 0 {
			return nil
		}
		c = c.CardGroup[0]
	}
	if c.CardType != cardTypePost {
		return nil
	}
	return c.Mblog
}

// Mblog is a post as returned by the API
type Mblog struct {
	ID              FlexString `json:"id"`
	BID             string     `json:"bid"`
	Text            string     `json:"text"`
	RawText         string     `json:"raw_text"`
	CreatedAt       string     `json:"created_at"`
	Source          string     `json:"source"`
	User            *RawUser   `json:"user"`
	PicNum          int        `json:"pic_num"`
	IsLongText      bool       `json:"isLongText"`
	Pics            []Pic      `json:"pics"`
	PageInfo        *PageInfo  `json:"page_info"`
	LivePhoto       []string   `json:"live_photo"`
	AttitudesCount  FlexCount  `json:"attitudes_count"`
	CommentsCount   FlexCount  `json:"comments_count"`
	RepostsCount    FlexCount  `json:"reposts_count"`
	RetweetedStatus *Mblog     `json:"retweeted_status"`
	Title           *struct {
		Text string `json:"text"`
	} `json:"title"`
}

// Pinned reports whether the server marked the post as pinned
func (m *Mblog) Pinned() bool {
	return m.Title != nil && m.Title.Text == "置顶"
}

// Pic is one attached image
type Pic struct {
	URL   string `json:"url"`
	Large struct {
		URL string `json:"url"`
	} `json:"large"`
}

// PageInfo describes an attached card such as a video
type PageInfo struct {
	Type      string                     `json:"type"`
	URLs      map[string]json.RawMessage `json:"urls"`
	MediaInfo map[string]json.RawMessage `json:"media_info"`
}

// RawUser is a user object as embedded in posts, comments and profiles
type RawUser struct {
	ID              FlexString `json:"id"`
	ScreenName      string     `json:"screen_name"`
	Gender          string     `json:"gender"`
	StatusesCount   FlexCount  `json:"statuses_count"`
	FollowersCount  FlexCount  `json:"followers_count"`
	FollowCount     FlexCount  `json:"follow_count"`
	Description     string     `json:"description"`
	ProfileURL      string     `json:"profile_url"`
	ProfileImageURL string     `json:"profile_image_url"`
	AvatarHD        string     `json:"avatar_hd"`
	Urank           FlexCount  `json:"urank"`
	Mbrank          FlexCount  `json:"mbrank"`
	Verified        bool       `json:"verified"`
	VerifiedType    FlexCount  `json:"verified_type"`
	VerifiedReason  string     `json:"verified_reason"`
}

// RawComment is a comment from either comment endpoint
type RawComment struct {
	ID        FlexString      `json:"id"`
	BID       string          `json:"bid"`
	RootID    FlexString      `json:"rootid"`
	CreatedAt string          `json:"created_at"`
	User      *RawUser        `json:"user"`
	Text      string          `json:"text"`
	LikeCount FlexCount       `json:"like_count"`
	Pic       *Pic            `json:"pic"`
	Comments  json.RawMessage `json:"comments"`
}

// RawRepost is one entry of the repost timeline
type RawRepost struct {
	ID             FlexString `json:"id"`
	BID            string     `json:"bid"`
	CreatedAt      string     `json:"created_at"`
	User           *RawUser   `json:"user"`
	RawText        string     `json:"raw_text"`
	AttitudesCount FlexCount  `json:"attitudes_count"`
}

// CommentPage is the data object of the cursor based comment endpoint
type CommentPage struct {
	Data  []RawComment `json:"data"`
	MaxID FlexString   `json:"max_id"`
	Total FlexCount    `json:"total_number"`
}

// PagedList is the data object of the page based comment and repost endpoints
type PagedList[T any] struct {
	Data []T       `json:"data"`
	Max  FlexCount `json:"max"`
}
