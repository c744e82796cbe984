package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"weibocrawler/pkg/models"
	"weibocrawler/pkg/storage"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// postHeader is the fixed column set of the post table
var postHeader = []string{
	"id", "bid", "正文", "头条文章url", "原始图片url", "视频url", "位置", "日期", "工具",
	"点赞数", "评论数", "转发数", "话题", "@用户", "完整日期",
}

// reshareHeader is appended when reshares are kept
var reshareHeader = []string{"是否原创", "源微博id"}

var userHeader = []string{
	"用户id", "昵称", "性别", "生日", "所在地", "学习经历", "公司", "注册时间", "阳光信用",
	"微博数", "粉丝数", "关注数", "简介", "主页", "头像", "高清头像", "微博等级", "会员等级",
	"是否认证", "认证类型", "认证信息",
}

// CSV appends rows to <output>/<owner>/<uid>.csv. A new file starts with a
// UTF-8 byte order mark and the header row; ids carry a trailing tab so
// spreadsheets keep them as text.
type CSV struct {
	store        *storage.Manager
	onlyOriginal bool
}

// NewCSV creates the tabular sink
func NewCSV(store *storage.Manager, onlyOriginal bool) *CSV {
	return &CSV{store: store, onlyOriginal: onlyOriginal}
}

func (s *CSV) Name() string { return "csv" }

func (s *CSV) Close() error { return nil }

// Header returns the column set written by this sink
func (s *CSV) Header() []string {
	if s.onlyOriginal {
		return postHeader
	}
	return append(append([]string{}, postHeader...), reshareHeader...)
}

func (s *CSV) WritePosts(ctx context.Context, user models.User, rows []models.Post) error {
	path, err := s.store.ResultFile(storage.Owner(user, false), user.ID, "csv")
	if err != nil {
		return err
	}
	records := make([][]string, 0, len(rows))
	for i := range rows {
		records = append(records, s.record(&rows[i]))
	}
	return appendCSV(path, s.Header(), records)
}

// WriteUser upserts the profile into <output>/users.csv, keyed by user id
func (s *CSV) WriteUser(ctx context.Context, u models.User) error {
	path := filepath.Join(s.store.Root(), "users.csv")
	row := []string{
		u.ID + "\t", u.ScreenName, u.Gender, u.Birthday, u.Location, u.Education, u.Company,
		u.RegistrationTime, u.Sunshine, itoa(u.StatusesCount), itoa(u.FollowersCount),
		itoa(u.FollowCount), u.Description, u.ProfileURL, u.ProfileImageURL, u.AvatarHD,
		itoa(u.Urank), itoa(u.Mbrank), strconv.FormatBool(u.Verified), itoa(u.VerifiedType),
		u.VerifiedReason,
	}

	records, err := loadCSV(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		records = [][]string{userHeader}
	}
	replaced := false
	for i := 1; i < len(records); i++ {
		if len(records[i]) > 0 && strings.TrimSpace(records[i][0]) == u.ID {
			records[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, row)
	}

	var buf bytes.Buffer
	buf.Write(utf8BOM)
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return storage.WriteFileAtomic(path, &buf)
}

// loadCSV returns every record of path without the byte order mark. A
// missing file has no records.
func loadCSV(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

func (s *CSV) record(p *models.Post) []string {
	rec := []string{
		p.ID + "\t",
		p.BID,
		p.Text,
		p.ArticleURL,
		strings.Join(p.Pics, ","),
		p.VideoURL,
		p.Location,
		p.CreatedAtISO(),
		p.Source,
		itoa(p.AttitudesCount),
		itoa(p.CommentsCount),
		itoa(p.RepostsCount),
		strings.Join(p.Topics, ","),
		strings.Join(p.AtUsers, ","),
		p.FullCreatedAt(),
	}
	if !s.onlyOriginal {
		retweet := ""
		if p.RetweetID != "" {
			retweet = p.RetweetID + "\t"
		}
		rec = append(rec, strconv.FormatBool(p.RetweetID == ""), retweet)
	}
	return rec
}

func appendCSV(path string, header []string, records [][]string) error {
	_, err := os.Stat(path)
	first := errors.Is(err, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if first {
		if _, err := f.Write(utf8BOM); err != nil {
			return err
		}
	}
	w := csv.NewWriter(f)
	if first {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Sync()
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
