package weibo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"weibocrawler/pkg/challenge"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/ratelimit"
	"weibocrawler/pkg/retry"
	"weibocrawler/pkg/transport"
)

// Fetcher is the transport surface the client needs
type Fetcher interface {
	Fetch(ctx context.Context, class ratelimit.Class, endpoint string, params url.Values) (*transport.Response, error)
	FetchPage(ctx context.Context, rawURL string) (*transport.Response, error)
	RotateIdentity()
	HasCookie() bool
}

// Client talks to the mobile JSON API. Page requests run under the page
// policy; a payload without data is treated as a verification step and handed
// to the resolver once per request.
type Client struct {
	http     Fetcher
	page     *retry.Policy
	social   *retry.Policy
	resolver challenge.Resolver
	metrics  *metrics.Collector
	log      logger.Logger
	sleep    retry.Sleeper
}

// NewClient creates an API client. A nil resolver fails every challenge.
func NewClient(http Fetcher, page *retry.Policy, resolver challenge.Resolver, m *metrics.Collector, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if resolver == nil {
		resolver = challenge.FailResolver{Logger: log}
	}
	return &Client{
		http:     http,
		page:     page,
		social:   socialPolicy(page),
		resolver: resolver,
		metrics:  m,
		log:      log,
		sleep:    retry.Wait,
	}
}

// socialPolicy is the page policy without parsing retries: comment and repost
// endpoints fall back to another strategy instead.
func socialPolicy(page *retry.Policy) *retry.Policy {
	p := &retry.Policy{Name: "social", Timeout: page.Timeout, Classes: make(map[errs.ErrorType]retry.ClassPolicy)}
	for class, cp := range page.Classes {
		if class != errs.ErrorTypeParsing {
			p.Classes[class] = cp
		}
	}
	return p
}

// SetSleeper replaces the backoff wait, used by tests
func (c *Client) SetSleeper(s retry.Sleeper) { c.sleep = s }

// HasCookie reports whether requests are authenticated
func (c *Client) HasCookie() bool { return c.http.HasCookie() }

func (c *Client) begin(policy *retry.Policy, name string) *retry.Operation {
	return policy.Begin(name,
		retry.WithSleeper(c.sleep),
		retry.WithRotator(c.http.RotateIdentity),
		retry.WithLogger(c.log),
		retry.WithObserver(func(policy string, d retry.Decision) {
			c.metrics.ObserveDecision(policy, string(d.Class), d.Retry)
		}))
}

// decodeEnvelope parses the outer JSON object. hasData reports whether the
// data key was present at all.
func decodeEnvelope(body []byte) (env envelope, hasData bool, err error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return env, false, errs.Wrap(errs.ErrorTypeParsing, err, "invalid JSON payload")
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, false, errs.Wrap(errs.ErrorTypeParsing, err, "unexpected payload shape")
	}
	_, hasData = keys["data"]
	return env, hasData, nil
}

// call fetches a page request and passes its envelope to decode, resolving a
// challenge at most once. An unresolved challenge is fatal.
func (c *Client) call(ctx context.Context, name string, class ratelimit.Class, endpoint string, params url.Values, decode func(env envelope) error) error {
	op := c.begin(c.page, name)
	resolved := false
	for {
		_, err := retry.Execute(ctx, op, func(ctx context.Context) (struct{}, error) {
			resp, err := c.http.Fetch(ctx, class, endpoint, params)
			if err != nil {
				return struct{}{}, err
			}
			env, hasData, err := decodeEnvelope(resp.Body)
			if err != nil {
				return struct{}{}, err
			}
			if !hasData {
				return struct{}{}, errs.Challenge(env.URL)
			}
			return struct{}{}, decode(env)
		})
		if !errs.Is(err, errs.ErrorTypeChallenge) {
			return err
		}

		var ce *errs.Error
		errors.As(err, &ce)
		if resolved {
			c.log.ErrorWithFields("verification requested again after resolution", map[string]interface{}{"operation": name})
			return err
		}
		ok, rerr := c.resolver.Resolve(ctx, ce.URL)
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.Wrap(errs.ErrorTypeChallenge, rerr, "verification failed")
		}
		if !ok {
			c.log.ErrorWithFields("verification not completed, aborting", map[string]interface{}{"url": ce.URL})
			return err
		}
		c.log.Info("verification completed, retrying request")
		resolved = true
		op.Reset()
	}
}

// Page is one timeline page
type Page struct {
	// OK is false once the server reports no further pages
	OK    bool
	Total int64
	Cards []Card
}

// FetchTimeline loads one page of an account timeline, or of a search within
// the account when query is set
func (c *Client) FetchTimeline(ctx context.Context, uid, query string, page, count int) (*Page, error) {
	out := &Page{}
	err := c.call(ctx, "timeline", ratelimit.ClassTimeline, IndexEndpoint, TimelineParams(uid, query, page, count), func(env envelope) error {
		out.OK = env.OK == 1
		if !out.OK {
			return nil
		}
		var data TimelineData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return errs.Wrap(errs.ErrorTypeParsing, err, "timeline data")
		}
		out.Total = int64(data.CardlistInfo.Total)
		out.Cards = data.Cards
		if query != "" {
			out.Cards = nil
			if len(data.Cards) > 0 {
				out.Cards = data.Cards[0].CardGroup
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchUser loads the profile of an account, completed with the extended
// info cards when they are available
func (c *Client) FetchUser(ctx context.Context, uid string) (models.User, error) {
	var raw *RawUser
	err := c.call(ctx, "profile", ratelimit.ClassAPI, IndexEndpoint, ProfileParams(uid), func(env envelope) error {
		var data TimelineData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return errs.Wrap(errs.ErrorTypeParsing, err, "profile data")
		}
		if data.UserInfo == nil {
			return errs.Challenge(env.URL)
		}
		raw = data.UserInfo
		return nil
	})
	if err != nil {
		return models.User{}, err
	}

	var info []Card
	err = c.call(ctx, "profile_info", ratelimit.ClassAPI, IndexEndpoint, InfoParams(uid), func(env envelope) error {
		if env.OK != 1 {
			return nil
		}
		var data TimelineData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return errs.Wrap(errs.ErrorTypeParsing, err, "profile info data")
		}
		info = data.Cards
		return nil
	})
	if err != nil {
		if errs.IsFatal(err) || ctx.Err() != nil {
			return models.User{}, err
		}
		c.log.WithError(err).WarnWithFields("extended profile unavailable", map[string]interface{}{"user_id": uid})
	}
	return ParseUser(uid, raw, info), nil
}

// FetchDetail loads the long-form version of a post from its HTML page. The
// page embeds the post as a "status" object inside a script.
func (c *Client) FetchDetail(ctx context.Context, id string) (*Mblog, error) {
	op := c.begin(c.page, "detail")
	return retry.Execute(ctx, op, func(ctx context.Context) (*Mblog, error) {
		resp, err := c.http.FetchPage(ctx, DetailPath(id))
		if err != nil {
			return nil, err
		}
		return extractStatus(resp.Body)
	})
}

func extractStatus(page []byte) (*Mblog, error) {
	start := bytes.Index(page, []byte(`"status":`))
	end := bytes.LastIndex(page, []byte(`"call"`))
	if start < 0 || end <= start {
		return nil, errs.New(errs.ErrorTypeParsing, 0, "detail page without status")
	}
	body := page[start:end]
	if comma := bytes.LastIndexByte(body, ','); comma >= 0 {
		body = body[:comma]
	}
	var doc struct {
		Status *Mblog `json:"status"`
	}
	buf := make([]byte, 0, len(body)+2)
	buf = append(buf, '{')
	buf = append(buf, body...)
	buf = append(buf, '}')
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, errs.Wrap(errs.ErrorTypeParsing, err, "detail status")
	}
	if doc.Status == nil || doc.Status.ID == "" {
		return nil, errs.New(errs.ErrorTypeParsing, 0, "detail page without status")
	}
	return doc.Status, nil
}

// socialFetch loads a comment or repost page. A payload without data yields a
// parsing error so callers can switch strategy.
func socialFetch[T any](ctx context.Context, c *Client, name, endpoint string, params url.Values) (*T, error) {
	op := c.begin(c.social, name)
	return retry.Execute(ctx, op, func(ctx context.Context) (*T, error) {
		resp, err := c.http.Fetch(ctx, ratelimit.ClassAPI, endpoint, params)
		if err != nil {
			return nil, err
		}
		env, _, err := decodeEnvelope(resp.Body)
		if err != nil {
			return nil, err
		}
		if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
			return nil, errs.New(errs.ErrorTypeParsing, 0, name+" payload without data")
		}
		out := new(T)
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, errs.Wrap(errs.ErrorTypeParsing, err, name+" data")
		}
		return out, nil
	})
}

// FetchHotflow loads a cursor based comment page
func (c *Client) FetchHotflow(ctx context.Context, id, maxID string) (*CommentPage, error) {
	return socialFetch[CommentPage](ctx, c, "comments", HotflowEndpoint, HotflowParams(id, maxID))
}

// FetchCommentsShow loads a page based comment page
func (c *Client) FetchCommentsShow(ctx context.Context, id string, page int) (*PagedList[RawComment], error) {
	return socialFetch[PagedList[RawComment]](ctx, c, "comments_show", CommentsShowEndpoint, CommentsShowParams(id, page))
}

// FetchReposts loads a repost timeline page
func (c *Client) FetchReposts(ctx context.Context, id string, page int) (*PagedList[RawRepost], error) {
	return socialFetch[PagedList[RawRepost]](ctx, c, "reposts", RepostTimelineEndpoint, RepostParams(id, page))
}
