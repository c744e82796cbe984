package crawler

// Phase names the step an account run is in
type Phase string

const (
	PhaseProfile  Phase = "profile"
	PhasePages    Phase = "pages"
	PhaseSocial   Phase = "social"
	PhaseMedia    Phase = "media"
	PhaseFlush    Phase = "flush"
	PhaseComplete Phase = "complete"
)

// Event reports crawl progress to subscribers such as the job queue
type Event struct {
	Account   string `json:"account"`
	Query     string `json:"query,omitempty"`
	Phase     Phase  `json:"phase"`
	Page      int    `json:"page,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
	Fetched   int    `json:"fetched"`
}

// Emitter delivers events without ever blocking the crawl. Events are
// dropped while the subscriber is behind.
type Emitter struct {
	ch chan<- Event
}

// NewEmitter wraps ch, which may be nil
func NewEmitter(ch chan<- Event) *Emitter {
	return &Emitter{ch: ch}
}

// Emit sends e when the subscriber is ready
func (e *Emitter) Emit(ev Event) {
	if e == nil || e.ch == nil {
		return
	}
	select {
	case e.ch <- ev:
	default:
	}
}
