package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"weibocrawler/pkg/models"
	"weibocrawler/pkg/storage"
)

// Document is the shape of the JSON result file and of webhook payloads
type Document struct {
	User  models.User   `json:"user"`
	Posts []models.Post `json:"weibo"`
}

// JSON keeps <output>/<owner>/<uid>.json as one document. Every write loads
// the file, replaces posts with matching ids, appends new ones and rewrites
// the whole file.
type JSON struct {
	store *storage.Manager
}

// NewJSON creates the document file sink
func NewJSON(store *storage.Manager) *JSON {
	return &JSON{store: store}
}

func (s *JSON) Name() string { return "json" }

func (s *JSON) Close() error { return nil }

func (s *JSON) WritePosts(ctx context.Context, user models.User, rows []models.Post) error {
	path, err := s.store.ResultFile(storage.Owner(user, false), user.ID, "json")
	if err != nil {
		return err
	}
	doc, err := loadDocument(path)
	if err != nil {
		return err
	}
	doc.User = user
	doc.Posts = Merge(doc.Posts, rows)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return storage.WriteFileAtomic(path, &buf)
}

func loadDocument(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	return doc, nil
}

// Merge replaces the posts of existing whose id appears in rows and appends
// the others, keeping the order of first appearance
func Merge(existing, rows []models.Post) []models.Post {
	index := make(map[string]int, len(existing))
	for i, p := range existing {
		index[p.ID] = i
	}
	for _, p := range rows {
		if i, ok := index[p.ID]; ok {
			existing[i] = p
			continue
		}
		index[p.ID] = len(existing)
		existing = append(existing, p)
	}
	return existing
}
