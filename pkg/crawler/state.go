package crawler

import "weibocrawler/pkg/models"

// State is the mutable state of one account run. It is owned by a single
// goroutine and threaded through the walker, the social graph fetcher and
// the sink fan-out.
type State struct {
	// Batch holds every accepted post in page order
	Batch []*models.Post
	// Written is the watermark: Batch[:Written] has been flushed to sinks
	Written int
	// Pinned is set once a pinned post was skipped
	Pinned bool
	// AuthChecked is set once the authentication marker post was seen
	AuthChecked bool

	seen map[string]struct{}
}

// NewState returns an empty run state
func NewState() *State {
	return &State{seen: make(map[string]struct{})}
}

// Fetched is the number of accepted posts
func (s *State) Fetched() int { return len(s.Batch) }

// See records id and reports whether it had been seen before in this run
func (s *State) See(id string) bool {
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	return false
}

// Add appends an accepted post to the batch
func (s *State) Add(p *models.Post) {
	s.Batch = append(s.Batch, p)
}

// Pending returns the posts not yet flushed
func (s *State) Pending() []*models.Post {
	return s.Batch[s.Written:]
}

// MarkWritten advances the watermark to the end of the batch
func (s *State) MarkWritten() {
	s.Written = len(s.Batch)
}
