package weibo

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
)

// DetailFetcher loads the long-form version of a post
type DetailFetcher interface {
	FetchDetail(ctx context.Context, id string) (*Mblog, error)
}

// Parser turns raw API items into canonical records
type Parser struct {
	RemoveHTML bool
	Detail     DetailFetcher
	Logger     logger.Logger
	Now        func() time.Time
}

var videoKeys = []string{
	"mp4_720p_mp4", "mp4_hd_url", "hevc_mp4_hd", "mp4_sd_url",
	"mp4_ld_mp4", "stream_url_hd", "stream_url",
}

func (p *Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Parser) log() logger.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logger.GetLogger()
}

// Parse converts one post and its reshare. Long-form posts, those with more
// than nine images or flagged isLongText, are completed from the detail
// page. The summary is used when the detail fetch fails. A reshare that
// cannot be parsed is dropped and the wrapper is kept without it.
func (p *Parser) Parse(ctx context.Context, m *Mblog) (*models.Post, error) {
	post, err := p.resolve(ctx, m, m.PicNum > 9 || m.IsLongText)
	if err != nil {
		return nil, err
	}
	if rt := m.RetweetedStatus; rt != nil && rt.ID != "" {
		retweet, err := p.resolve(ctx, rt, rt.IsLongText)
		switch {
		case err == nil:
			post.Retweet = retweet
		case errs.IsFatal(err) || ctx.Err() != nil:
			return nil, err
		default:
			p.log().WithError(err).WarnWithFields("unparseable reshare dropped", map[string]interface{}{
				"post_id":    post.ID,
				"retweet_id": string(rt.ID),
			})
		}
	}
	post.Pinned = m.Pinned()
	return post, nil
}

func (p *Parser) resolve(ctx context.Context, m *Mblog, long bool) (*models.Post, error) {
	summary, err := p.ParseMblog(m)
	if err != nil {
		return nil, err
	}
	if !long || p.Detail == nil {
		return summary, nil
	}

	detail, err := p.Detail.FetchDetail(ctx, summary.ID)
	if err != nil {
		if errs.IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		p.log().WithError(err).WarnWithFields("long-form fetch failed, using summary", map[string]interface{}{
			"post_id": summary.ID,
		})
		return summary, nil
	}
	full, err := p.ParseMblog(detail)
	if err != nil {
		return summary, nil
	}
	return mergePost(summary, full), nil
}

// mergePost overlays the non-empty fields of detail onto summary. The
// creation time always comes from the summary.
func mergePost(summary, detail *models.Post) *models.Post {
	out := *summary
	if detail.BID != "" {
		out.BID = detail.BID
	}
	if detail.UserID != "" {
		out.UserID = detail.UserID
		out.ScreenName = detail.ScreenName
	}
	if detail.Text != "" {
		out.RawText = detail.RawText
		out.Text = detail.Text
	}
	if detail.ArticleURL != "" {
		out.ArticleURL = detail.ArticleURL
	}
	if len(detail.Pics) > 0 {
		out.Pics = detail.Pics
	}
	if detail.VideoURL != "" {
		out.VideoURL = detail.VideoURL
	}
	if len(detail.LivePhotoURLs) > 0 {
		out.LivePhotoURLs = detail.LivePhotoURLs
	}
	if detail.Location != "" {
		out.Location = detail.Location
	}
	if detail.Source != "" {
		out.Source = detail.Source
	}
	if detail.AttitudesCount > 0 {
		out.AttitudesCount = detail.AttitudesCount
	}
	if detail.CommentsCount > 0 {
		out.CommentsCount = detail.CommentsCount
	}
	if detail.RepostsCount > 0 {
		out.RepostsCount = detail.RepostsCount
	}
	if len(detail.Topics) > 0 {
		out.Topics = detail.Topics
	}
	if len(detail.AtUsers) > 0 {
		out.AtUsers = detail.AtUsers
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = detail.CreatedAt
	}
	return &out
}

// ParseMblog converts a single post without following its reshare
func (p *Parser) ParseMblog(m *Mblog) (*models.Post, error) {
	if m == nil || m.ID == "" {
		return nil, errs.New(errs.ErrorTypeParsing, 0, "post without id")
	}
	created, err := ParseCreatedAt(m.CreatedAt, p.now())
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeParsing, err, "post "+string(m.ID))
	}

	body := m.Text
	if strings.TrimSpace(body) == "" {
		body += "<hr>"
	}
	markup := AnalyzeText(body)

	post := &models.Post{
		ID:             string(m.ID),
		BID:            Scrub(m.BID),
		RawText:        m.Text,
		Text:           Scrub(m.Text),
		ArticleURL:     markup.ArticleURL,
		Pics:           pics(m),
		VideoURL:       videoURL(m.PageInfo),
		LivePhotoURLs:  m.LivePhoto,
		Location:       markup.Location,
		CreatedAt:      created,
		Source:         Scrub(m.Source),
		AttitudesCount: int64(m.AttitudesCount),
		CommentsCount:  int64(m.CommentsCount),
		RepostsCount:   int64(m.RepostsCount),
		Topics:         markup.Topics,
		AtUsers:        markup.AtUsers,
	}
	if p.RemoveHTML {
		post.Text = markup.Plain
	}
	if m.User != nil {
		post.UserID = string(m.User.ID)
		post.ScreenName = Scrub(m.User.ScreenName)
	}
	return post, nil
}

func pics(m *Mblog) []string {
	var out []string
	for _, pic := range m.Pics {
		u := pic.Large.URL
		if u == "" {
			u = pic.URL
		}
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

func videoURL(info *PageInfo) string {
	if info == nil || info.Type != "video" {
		return ""
	}
	media := info.URLs
	if len(media) == 0 {
		media = info.MediaInfo
	}
	for _, key := range videoKeys {
		raw, ok := media[key]
		if !ok {
			continue
		}
		var u string
		if json.Unmarshal(raw, &u) == nil && u != "" {
			return u
		}
	}
	return ""
}

var infoFields = map[string]func(*models.User, string){
	"生日":   func(u *models.User, v string) { u.Birthday = v },
	"所在地":  func(u *models.User, v string) { u.Location = v },
	"小学":   func(u *models.User, v string) { u.Education = v },
	"初中":   func(u *models.User, v string) { u.Education = v },
	"高中":   func(u *models.User, v string) { u.Education = v },
	"大学":   func(u *models.User, v string) { u.Education = v },
	"公司":   func(u *models.User, v string) { u.Company = v },
	"注册时间": func(u *models.User, v string) { u.RegistrationTime = v },
	"阳光信用": func(u *models.User, v string) { u.Sunshine = v },
}

// ParseUser builds a profile from the user object and the cards of the
// extended info container
func ParseUser(uid string, raw *RawUser, info []Card) models.User {
	u := models.User{ID: uid}
	if raw != nil {
		u.ScreenName = Scrub(raw.ScreenName)
		u.Gender = raw.Gender
		u.StatusesCount = int64(raw.StatusesCount)
		u.FollowersCount = int64(raw.FollowersCount)
		u.FollowCount = int64(raw.FollowCount)
		u.Description = Scrub(raw.Description)
		u.ProfileURL = raw.ProfileURL
		u.ProfileImageURL = raw.ProfileImageURL
		u.AvatarHD = raw.AvatarHD
		u.Urank = int64(raw.Urank)
		u.Mbrank = int64(raw.Mbrank)
		u.Verified = raw.Verified
		u.VerifiedType = int64(raw.VerifiedType)
		u.VerifiedReason = Scrub(raw.VerifiedReason)
	}
	for _, card := range info {
		for _, item := range card.CardGroup {
			if set, ok := infoFields[item.ItemName]; ok {
				set(&u, Scrub(item.ItemContent))
			}
		}
	}
	return u
}

// ParseComment converts a comment and the replies returned inline with it
func ParseComment(raw RawComment, postID string, removeHTML bool, now time.Time) models.Comment {
	c := models.Comment{
		ID:        string(raw.ID),
		BID:       raw.BID,
		RootID:    string(raw.RootID),
		PostID:    postID,
		Text:      Scrub(raw.Text),
		LikeCount: int64(raw.LikeCount),
		CreatedAt: normalizeDate(raw.CreatedAt, now),
	}
	if removeHTML {
		c.Text = StripTags(raw.Text)
	}
	if raw.User != nil {
		c.UserID = string(raw.User.ID)
		c.UserScreenName = Scrub(raw.User.ScreenName)
		c.UserAvatarURL = raw.User.AvatarHD
	}
	if raw.Pic != nil {
		c.PicURL = raw.Pic.Large.URL
	}

	var replies []RawComment
	if len(raw.Comments) > 0 && raw.Comments[0] == '[' && json.Unmarshal(raw.Comments, &replies) == nil {
		for _, r := range replies {
			c.Replies = append(c.Replies, ParseComment(r, postID, removeHTML, now))
		}
	}
	return c
}

// ParseRepost converts a repost. Only the text before the first // is kept;
// an empty or default text becomes 转发微博.
func ParseRepost(raw RawRepost, postID string, now time.Time) models.Repost {
	text := raw.RawText
	if i := strings.Index(text, "//"); i >= 0 {
		text = text[:i]
	}
	if text == "" || text == "Repost" {
		text = "转发微博"
	}
	r := models.Repost{
		ID:        string(raw.ID),
		BID:       raw.BID,
		PostID:    postID,
		Text:      Scrub(text),
		LikeCount: int64(raw.AttitudesCount),
		CreatedAt: normalizeDate(raw.CreatedAt, now),
	}
	if raw.User != nil {
		r.UserID = string(raw.User.ID)
		r.UserScreenName = Scrub(raw.User.ScreenName)
		r.UserAvatarURL = raw.User.ProfileImageURL
	}
	return r
}

func normalizeDate(s string, now time.Time) string {
	t, err := ParseCreatedAt(s, now)
	if err != nil {
		return s
	}
	return t.Format(models.DateLayout)
}
