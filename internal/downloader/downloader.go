package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/retry"
)

// Streamer opens media responses
type Streamer interface {
	Stream(ctx context.Context, rawURL string) (*http.Response, error)
	RotateIdentity()
}

// BinStore receives the bytes of every downloaded file, used by the embedded
// database to cache media
type BinStore interface {
	SaveBin(ctx context.Context, asset models.MediaAsset, path string, data []byte) error
}

// extensions maps the content types the CDN serves to file extensions
var extensions = map[string]string{
	"image/jpeg":               ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"image/bmp":                ".bmp",
	"video/mp4":                ".mp4",
	"video/quicktime":          ".mov",
	"application/octet-stream": ".dat",
}

// Downloader fetches media files under the media retry policy. A file is only
// materialized once its full body has been received.
type Downloader struct {
	stream  Streamer
	policy  *retry.Policy
	bins    BinStore
	metrics *metrics.Collector
	log     logger.Logger
	sleep   retry.Sleeper
}

// New creates a Downloader
func New(stream Streamer, policy *retry.Policy, m *metrics.Collector, log logger.Logger) *Downloader {
	if log == nil {
		log = logger.GetLogger()
	}
	if policy == nil {
		policy = retry.MediaPolicy(10 * time.Minute)
	}
	return &Downloader{
		stream:  stream,
		policy:  policy,
		metrics: m,
		log:     log,
		sleep:   retry.Wait,
	}
}

// SetBinStore enables the binary cache
func (d *Downloader) SetBinStore(b BinStore) { d.bins = b }

// SetSleeper replaces the backoff wait, used by tests
func (d *Downloader) SetSleeper(s retry.Sleeper) { d.sleep = s }

// Download stores url at dest and reports whether the file exists afterwards.
// An existing destination is a no-op success.
func (d *Downloader) Download(ctx context.Context, url, dest string) bool {
	r := d.Fetch(ctx, models.MediaAsset{URL: url, Dest: dest, Ext: filepath.Ext(dest)})
	return r.Success
}

// Fetch downloads one asset
func (d *Downloader) Fetch(ctx context.Context, asset models.MediaAsset) Result {
	start := time.Now()
	result := Result{Asset: asset, Path: asset.Dest}

	if path, ok := existing(asset.Dest); ok {
		result.Success = true
		result.Skipped = true
		result.Path = path
		result.Duration = time.Since(start)
		d.metrics.ObserveDownload("skipped")
		return result
	}

	if err := os.MkdirAll(filepath.Dir(asset.Dest), 0755); err != nil {
		result.Error = fmt.Errorf("create media directory: %w", err)
		d.metrics.ObserveDownload("failed")
		return result
	}

	op := d.policy.Begin("media",
		retry.WithSleeper(d.sleep),
		retry.WithRotator(d.stream.RotateIdentity),
		retry.WithLogger(d.log),
		retry.WithObserver(func(policy string, dec retry.Decision) {
			d.metrics.ObserveDecision(policy, string(dec.Class), dec.Retry)
		}))
	saved, err := retry.Execute(ctx, op, func(ctx context.Context) (saved, error) {
		return d.fetchOnce(ctx, asset)
	})
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		d.metrics.ObserveDownload("failed")
		logger.LogDownload(d.log, asset.PostID, asset.URL, false, err)
		return result
	}

	result.Success = true
	result.Path = saved.path
	result.Size = saved.size
	d.metrics.ObserveDownload("downloaded")
	logger.LogDownload(d.log, asset.PostID, asset.URL, true, nil)

	if d.bins != nil {
		if err := d.bins.SaveBin(ctx, asset, saved.path, saved.data); err != nil {
			d.log.WithError(err).WarnWithFields("could not cache media", map[string]interface{}{"path": saved.path})
		}
	}
	return result
}

type saved struct {
	path string
	size int
	data []byte
}

// fetchOnce streams one attempt into a temporary file next to the destination
// and renames it into place. The temporary file is removed on every failure.
func (d *Downloader) fetchOnce(ctx context.Context, asset models.MediaAsset) (out saved, err error) {
	resp, err := d.stream.Stream(ctx, asset.URL)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(asset.Dest), ".download-*")
	if err != nil {
		return out, errs.Wrap(errs.ErrorTypePersistence, err, "create temporary file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var body bytes.Buffer
	w := io.Writer(tmp)
	if d.bins != nil {
		w = io.MultiWriter(tmp, &body)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		e := errs.Wrap(errs.ErrorTypeNetwork, err, "download interrupted")
		e.URL = asset.URL
		return out, e
	}
	if n == 0 {
		err = errs.New(errs.ErrorTypeParsing, resp.StatusCode, "empty media body")
		return out, err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		err = errs.New(errs.ErrorTypeNetwork, resp.StatusCode, fmt.Sprintf("short body: %d of %d bytes", n, resp.ContentLength))
		return out, err
	}
	if err = tmp.Sync(); err != nil {
		return out, errs.Wrap(errs.ErrorTypePersistence, err, "sync media file")
	}
	if err = tmp.Close(); err != nil {
		return out, errs.Wrap(errs.ErrorTypePersistence, err, "close media file")
	}

	path := FixExtension(asset.Dest, resp.Header.Get("Content-Type"))
	if err = os.Rename(tmp.Name(), path); err != nil {
		return out, errs.Wrap(errs.ErrorTypePersistence, err, "move media file")
	}
	return saved{path: path, size: int(n), data: body.Bytes()}, nil
}

// FixExtension replaces a missing or unknown extension of dest with the one
// implied by contentType
func FixExtension(dest, contentType string) string {
	ext := strings.ToLower(filepath.Ext(dest))
	if ext != "" && ext != ".unknown" {
		return dest
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return dest
	}
	want, ok := extensions[mediaType]
	if !ok {
		return dest
	}
	return strings.TrimSuffix(dest, filepath.Ext(dest)) + want
}

// existing reports whether dest, or dest completed with an inferred
// extension, is already on disk
func existing(dest string) (string, bool) {
	if _, err := os.Stat(dest); err == nil {
		return dest, true
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(dest))
	if ext != "" && ext != ".unknown" {
		return "", false
	}
	base := strings.TrimSuffix(dest, filepath.Ext(dest))
	for _, want := range extensions {
		if _, err := os.Stat(base + want); err == nil {
			return base + want, true
		}
	}
	return "", false
}
