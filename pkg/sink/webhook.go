package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/retry"
)

// Webhook posts every flushed batch as one {user, weibo} document
type Webhook struct {
	url    string
	token  string
	client *http.Client
	retry  *retry.Config
	log    logger.Logger
}

// NewWebhook creates the webhook sink. Delivery is retried three times with
// a linearly growing wait.
func NewWebhook(url, token string, log logger.Logger) *Webhook {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Webhook{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		retry: &retry.Config{
			MaxAttempts: 4,
			Backoff:     &retry.LinearBackoff{BaseDelay: 2 * time.Second, Increment: 2 * time.Second},
			RetryIf:     retry.DefaultRetryIf,
			Logger:      log,
		},
		log: log,
	}
}

// SetSleeper replaces the wait between deliveries, used by tests
func (s *Webhook) SetSleeper(sl retry.Sleeper) { s.retry.Sleep = sl }

func (s *Webhook) Name() string { return "post" }

func (s *Webhook) Close() error { return nil }

func (s *Webhook) WritePosts(ctx context.Context, user models.User, rows []models.Post) error {
	if len(rows) == 0 {
		s.log.Debug("no posts to deliver, skipping webhook")
		return nil
	}
	body, err := json.Marshal(Document{User: user, Posts: rows})
	if err != nil {
		return err
	}

	cfg := *s.retry
	cfg.Context = ctx
	err = retry.Do(func() error { return s.send(ctx, body) }, &cfg)
	if err != nil {
		return err
	}
	s.log.InfoWithFields("posts delivered to webhook", map[string]interface{}{
		"count": len(rows),
		"url":   s.url,
	})
	return nil
}

func (s *Webhook) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, err, "webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-token", s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeNetwork, err, "webhook delivery")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		t := errs.FromStatus(resp.StatusCode)
		if t == "" {
			t = errs.ErrorTypeUnknown
		}
		e := errs.New(t, resp.StatusCode, "unexpected webhook status")
		e.URL = s.url
		return e
	}
	return nil
}
