package downloader

import (
	"fmt"
	"path/filepath"
	"strings"

	"weibocrawler/pkg/config"
	"weibocrawler/pkg/models"
)

// Toggles selects which media families are downloaded for original posts
// and for reshared posts
type Toggles struct {
	OriginalPic       bool
	OriginalVideo     bool
	OriginalLivePhoto bool
	RetweetPic        bool
	RetweetVideo      bool
	RetweetLivePhoto  bool
	CommentPics       bool
}

// TogglesFrom reads the download section of the configuration
func TogglesFrom(cfg config.DownloadConfig) Toggles {
	return Toggles{
		OriginalPic:       cfg.OriginalPic,
		OriginalVideo:     cfg.OriginalVideo,
		OriginalLivePhoto: cfg.OriginalLivePhoto,
		RetweetPic:        cfg.RetweetPic,
		RetweetVideo:      cfg.RetweetVideo,
		RetweetLivePhoto:  cfg.RetweetLivePhoto,
		CommentPics:       cfg.Comments && cfg.CommentPics,
	}
}

// Any reports whether at least one post media family is enabled
func (t Toggles) Any() bool {
	return t.OriginalPic || t.OriginalVideo || t.OriginalLivePhoto ||
		t.RetweetPic || t.RetweetVideo || t.RetweetLivePhoto
}

// Layout places the media of one account:
//
//	<root>/<owner>/<img|video|live_photo>/<original|retweet>/YYYYMMDD_<id>[_n]<ext>
//	<root>/<owner>/comment_img/<comment id>_<created at>.jpg
type Layout struct {
	Root  string
	Owner string
}

func (l Layout) dir(kind models.MediaKind, origin string) string {
	if origin == "" {
		return filepath.Join(l.Root, l.Owner, string(kind))
	}
	return filepath.Join(l.Root, l.Owner, string(kind), origin)
}

// PostAssets lists the files to fetch for p. The own media of p follow the
// original toggles, the media of its reshare follow the retweet toggles.
func (l Layout) PostAssets(p *models.Post, t Toggles) []models.MediaAsset {
	var out []models.MediaAsset
	out = append(out, l.assets(p, "original", t.OriginalPic, t.OriginalVideo, t.OriginalLivePhoto)...)
	if p.Retweet != nil {
		out = append(out, l.assets(p.Retweet, "retweet", t.RetweetPic, t.RetweetVideo, t.RetweetLivePhoto)...)
	}
	return out
}

func (l Layout) assets(p *models.Post, origin string, pic, video, live bool) []models.MediaAsset {
	prefix := p.CreatedAt.Format("20060102") + "_" + p.ID
	var out []models.MediaAsset
	if pic {
		out = append(out, l.series(p.ID, models.MediaImage, origin, prefix, p.Pics, imageExt)...)
	}
	if video && p.VideoURL != "" {
		out = append(out, l.series(p.ID, models.MediaVideo, origin, prefix, splitVideo(p.VideoURL), videoExt)...)
	}
	if live {
		out = append(out, l.series(p.ID, models.MediaLivePhoto, origin, prefix, p.LivePhotoURLs, videoExt)...)
	}
	return out
}

func (l Layout) series(postID string, kind models.MediaKind, origin, prefix string, urls []string, ext func(string) string) []models.MediaAsset {
	var clean []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			clean = append(clean, u)
		}
	}
	out := make([]models.MediaAsset, 0, len(clean))
	for i, u := range clean {
		e := ext(u)
		name := prefix + e
		if len(clean) > 1 {
			name = fmt.Sprintf("%s_%d%s", prefix, i+1, e)
		}
		out = append(out, models.MediaAsset{
			URL:    u,
			Dest:   filepath.Join(l.dir(kind, origin), name),
			Ext:    e,
			PostID: postID,
			Kind:   kind,
		})
	}
	return out
}

// CommentAssets lists the images attached to comments and their replies
func (l Layout) CommentAssets(comments []models.Comment) []models.MediaAsset {
	var out []models.MediaAsset
	for _, c := range comments {
		if c.PicURL != "" {
			name := c.ID + "_" + strings.NewReplacer(":", "", " ", "_").Replace(c.CreatedAt) + ".jpg"
			out = append(out, models.MediaAsset{
				URL:       c.PicURL,
				Dest:      filepath.Join(l.dir(models.MediaComment, ""), name),
				Ext:       ".jpg",
				PostID:    c.PostID,
				CommentID: c.ID,
				Kind:      models.MediaComment,
			})
		}
		out = append(out, l.CommentAssets(c.Replies)...)
	}
	return out
}

// imageExt keeps a short extension found at the end of the URL and defaults
// to .jpg
func imageExt(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	i := strings.LastIndex(u, ".")
	if i < 0 || len(u)-i >= 5 || strings.Contains(u[i:], "/") {
		return ".jpg"
	}
	return u[i:]
}

func videoExt(u string) string {
	if strings.HasSuffix(strings.SplitN(u, "?", 2)[0], ".mov") {
		return ".mov"
	}
	return ".mp4"
}

func splitVideo(s string) []string {
	if strings.Contains(s, ";") {
		return strings.Split(s, ";")
	}
	return strings.Split(s, ",")
}
