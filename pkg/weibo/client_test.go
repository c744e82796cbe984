package weibo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"weibocrawler/pkg/challenge"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/ratelimit"
	"weibocrawler/pkg/retry"
	"weibocrawler/pkg/transport"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestClient(t *testing.T, handler http.HandlerFunc, resolver challenge.Resolver, cookie string) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	pool, err := transport.NewIdentityPool([]string{"agent-a", "agent-b"}, nil, 2)
	require.NoError(t, err)
	pacer := ratelimit.NewPacer(map[ratelimit.Class]ratelimit.Range{}, 0)
	pacer.SetSleeper(noSleep)
	hc := transport.New(pool, pacer, transport.Options{
		BaseURL: server.URL,
		Cookie:  cookie,
		Logger:  logger.NewNopLogger(),
	})

	c := NewClient(hc, retry.PagePolicy(time.Minute), resolver, nil, logger.NewNopLogger())
	c.SetSleeper(noSleep)
	return c
}

const timelinePage = `{"ok": 1, "data": {
	"cardlistInfo": {"total": 25},
	"cards": [
		{"card_type": 9, "mblog": {"id": "101", "text": "a", "created_at": "刚刚"}},
		{"card_type": 11, "card_group": [{"card_type": 9, "mblog": {"id": "102", "text": "b", "created_at": "刚刚"}}]},
		{"card_type": 58}
	]
}}`

func TestFetchTimeline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, IndexEndpoint, r.URL.Path)
		assert.Equal(t, "2304131669879400", r.URL.Query().Get("containerid"))
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		fmt.Fprint(w, timelinePage)
	}, nil, "")

	page, err := c.FetchTimeline(context.Background(), "1669879400", "", 3, 0)

	require.NoError(t, err)
	assert.True(t, page.OK)
	assert.Equal(t, int64(25), page.Total)
	require.Len(t, page.Cards, 3)
	assert.Equal(t, FlexString("101"), page.Cards[0].Post().ID)
	assert.Equal(t, FlexString("102"), page.Cards[1].Post().ID)
	assert.Nil(t, page.Cards[2].Post())
}

func TestFetchTimelineEnd(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok": 0, "msg": "这里还没有内容", "data": {"cards": []}}`)
	}, nil, "")

	page, err := c.FetchTimeline(context.Background(), "1", "", 9, 0)

	require.NoError(t, err)
	assert.False(t, page.OK)
	assert.Empty(t, page.Cards)
}

func TestFetchTimelineSearchUsesCardGroup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100103type=401&q=春游", r.URL.Query().Get("containerid"))
		assert.Equal(t, "profile_uid:42", r.URL.Query().Get("container_ext"))
		assert.Equal(t, "searchall", r.URL.Query().Get("page_type"))
		fmt.Fprint(w, `{"ok": 1, "data": {"cards": [{"card_type": 11, "card_group": [
			{"card_type": 9, "mblog": {"id": "201", "created_at": "刚刚"}},
			{"card_type": 9, "mblog": {"id": "202", "created_at": "刚刚"}}
		]}]}}`)
	}, nil, "")

	page, err := c.FetchTimeline(context.Background(), "42", "春游", 1, 0)

	require.NoError(t, err)
	require.Len(t, page.Cards, 2)
	assert.Equal(t, FlexString("202"), page.Cards[1].Post().ID)
}

func TestChallengeResolvedThenRetried(t *testing.T) {
	var calls, resolved int32
	resolver := challenge.ResolverFunc(func(ctx context.Context, url string) (bool, error) {
		atomic.AddInt32(&resolved, 1)
		assert.Equal(t, "https://passport.weibo.cn/verify", url)
		return true, nil
	})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"ok": -100, "url": "https://passport.weibo.cn/verify"}`)
			return
		}
		fmt.Fprint(w, timelinePage)
	}, resolver, "")

	page, err := c.FetchTimeline(context.Background(), "1", "", 1, 0)

	require.NoError(t, err)
	assert.Len(t, page.Cards, 3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&resolved))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestChallengeUnresolvedIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok": -100, "url": "https://passport.weibo.cn/verify"}`)
	}, nil, "")

	_, err := c.FetchTimeline(context.Background(), "1", "", 1, 0)

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeChallenge))
	assert.True(t, errs.IsFatal(err))
}

func TestChallengeRepeatedAfterResolution(t *testing.T) {
	var resolved int32
	resolver := challenge.ResolverFunc(func(ctx context.Context, url string) (bool, error) {
		atomic.AddInt32(&resolved, 1)
		return true, nil
	})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok": -100, "url": "https://passport.weibo.cn/verify"}`)
	}, resolver, "")

	_, err := c.FetchTimeline(context.Background(), "1", "", 1, 0)

	assert.True(t, errs.IsFatal(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&resolved), "a request is resolved at most once")
}

func TestSevereRateLimitExhausts(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(errs.StatusSevereRateLimit)
	}, nil, "")

	_, err := c.FetchTimeline(context.Background(), "1", "", 1, 0)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrExhausted))
	assert.False(t, errs.IsFatal(err))
	assert.Equal(t, int32(11), atomic.LoadInt32(&calls), "first attempt plus ten retries")
}

func TestMalformedPayloadIsRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `<html>gateway</html>`)
			return
		}
		fmt.Fprint(w, timelinePage)
	}, nil, "")

	page, err := c.FetchTimeline(context.Background(), "1", "", 1, 0)

	require.NoError(t, err)
	assert.True(t, page.OK)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("containerid") {
		case "1005051669879400":
			fmt.Fprint(w, `{"ok": 1, "data": {"userInfo": {
				"id": 1669879400, "screen_name": "Dear-迪丽热巴", "gender": "f",
				"statuses_count": 1234, "followers_count": "7832万", "follow_count": 300,
				"avatar_hd": "https://tvax1.sinaimg.cn/crop.jpg", "verified": true
			}}}`)
		case "2302831669879400_-_INFO":
			fmt.Fprint(w, `{"ok": 1, "data": {"cards": [{"card_group": [
				{"item_name": "生日", "item_content": "1992-06-03"},
				{"item_name": "所在地", "item_content": "上海"},
				{"item_name": "大学", "item_content": "上海戏剧学院"}
			]}]}}`)
		default:
			t.Errorf("unexpected container %s", r.URL.Query().Get("containerid"))
		}
	}, nil, "")

	user, err := c.FetchUser(context.Background(), "1669879400")

	require.NoError(t, err)
	assert.Equal(t, "1669879400", user.ID)
	assert.Equal(t, "Dear-迪丽热巴", user.ScreenName)
	assert.Equal(t, int64(78320000), user.FollowersCount)
	assert.Equal(t, "1992-06-03", user.Birthday)
	assert.Equal(t, "上海", user.Location)
	assert.Equal(t, "上海戏剧学院", user.Education)
}

func TestFetchUserWithoutExtendedInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("containerid") == "10050542" {
			fmt.Fprint(w, `{"ok": 1, "data": {"userInfo": {"id": 42, "screen_name": "alice"}}}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}, nil, "")

	user, err := c.FetchUser(context.Background(), "42")

	require.NoError(t, err)
	assert.Equal(t, "alice", user.ScreenName)
	assert.Empty(t, user.Birthday)
}

func TestFetchHotflowDoesNotRetryParsing(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, HotflowEndpoint, r.URL.Path)
		fmt.Fprint(w, `{"ok": 0}`)
	}, nil, "SUB=abc")

	_, err := c.FetchHotflow(context.Background(), "5001", "")

	assert.True(t, errs.Is(err, errs.ErrorTypeParsing))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchCommentsShow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, CommentsShowEndpoint, r.URL.Path)
		assert.Equal(t, "5001", r.URL.Query().Get("id"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		fmt.Fprint(w, `{"ok": 1, "data": {"data": [{"id": 1, "text": "hi"}], "max": 4}}`)
	}, nil, "")

	page, err := c.FetchCommentsShow(context.Background(), "5001", 2)

	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, FlexCount(4), page.Max)
}

func TestFetchDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detail/5002", r.URL.Path)
		fmt.Fprint(w, `<html><script>var $render_data = [{
			"status": {"id": "5002", "text": "full text", "created_at": "Sun Mar 10 09:00:00 +0800 2024"},
			"call": "gwmyh"
		}][0] || {};</script></html>`)
	}, nil, "")

	m, err := c.FetchDetail(context.Background(), "5002")

	require.NoError(t, err)
	assert.Equal(t, FlexString("5002"), m.ID)
	assert.Equal(t, "full text", m.Text)
}
