package challenge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
	"weibocrawler/pkg/config"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
)

// Resolver settles a verification step served in place of data. It reports
// true when the step was completed and the request may be retried.
type Resolver interface {
	Resolve(ctx context.Context, url string) (bool, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context, url string) (bool, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, url string) (bool, error) {
	return f(ctx, url)
}

// FailResolver refuses every challenge. It suits unattended deployments.
type FailResolver struct {
	Logger logger.Logger
}

// Resolve always reports failure
func (r FailResolver) Resolve(_ context.Context, url string) (bool, error) {
	if r.Logger != nil {
		r.Logger.WarnWithFields("verification required, giving up", map[string]interface{}{"url": url})
	}
	return false, nil
}

// TerminalResolver opens the challenge page in a browser and waits for the
// operator to confirm with y or abort with q.
type TerminalResolver struct {
	In     io.Reader
	Out    io.Writer
	Open   func(url string) error
	Logger logger.Logger
	// IsTerminal reports whether In is interactive. A non-interactive input
	// makes the resolver fail immediately.
	IsTerminal func() bool

	once    sync.Once
	lines   chan string
	readErr error
}

// NewTerminalResolver creates a resolver bound to the process stdin/stdout
func NewTerminalResolver(log logger.Logger) *TerminalResolver {
	return &TerminalResolver{
		In:     os.Stdin,
		Out:    os.Stdout,
		Open:   OpenBrowser,
		Logger: log,
		IsTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// Resolve implements Resolver
func (r *TerminalResolver) Resolve(ctx context.Context, url string) (bool, error) {
	log := r.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	if url == "" {
		log.Warn("possible verification step without a url, check the browser manually")
		return false, nil
	}
	if r.IsTerminal != nil && !r.IsTerminal() {
		log.WarnWithFields("verification required but stdin is not a terminal", map[string]interface{}{"url": url})
		return false, nil
	}

	log.WarnWithFields("verification required, opening page", map[string]interface{}{"url": url})
	if r.Open != nil {
		if err := r.Open(url); err != nil {
			log.WithError(err).Warn("could not open browser")
			fmt.Fprintf(r.Out, "Open this page to complete the verification: %s\n", url)
		}
	}

	r.once.Do(r.startReader)

	for {
		fmt.Fprint(r.Out, "Enter 'y' once the verification is complete, or 'q' to abort: ")
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case line, ok := <-r.lines:
			if !ok {
				return false, errs.Wrap(errs.ErrorTypeChallenge, r.readErr, "reading confirmation")
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y":
				log.Info("verification confirmed")
				return true, nil
			case "q":
				log.Warn("operator aborted the verification")
				return false, nil
			default:
				fmt.Fprintln(r.Out, "Please answer 'y' or 'q'.")
			}
		}
	}
}

// startReader feeds input lines to successive Resolve calls. It closes the
// channel once input ends.
func (r *TerminalResolver) startReader() {
	r.lines = make(chan string)
	go func() {
		scanner := bufio.NewScanner(r.In)
		for scanner.Scan() {
			r.lines <- scanner.Text()
		}
		r.readErr = scanner.Err()
		if r.readErr == nil {
			r.readErr = io.EOF
		}
		close(r.lines)
	}()
}

// OpenBrowser opens url with the platform's default handler
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// SignalResolver parks the crawl until an external party reports the outcome
// through Signal, for example an operator hitting an HTTP endpoint.
type SignalResolver struct {
	Timeout time.Duration
	Logger  logger.Logger

	mu      sync.Mutex
	pending string
	result  chan bool
}

// NewSignalResolver creates a resolver that waits at most timeout per challenge
func NewSignalResolver(timeout time.Duration, log logger.Logger) *SignalResolver {
	return &SignalResolver{Timeout: timeout, Logger: log}
}

// Resolve implements Resolver
func (r *SignalResolver) Resolve(ctx context.Context, url string) (bool, error) {
	ch := make(chan bool, 1)
	r.mu.Lock()
	r.pending = url
	r.result = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pending = ""
		r.result = nil
		r.mu.Unlock()
	}()

	if r.Logger != nil {
		r.Logger.WarnWithFields("verification required, waiting for signal", map[string]interface{}{
			"url":     url,
			"timeout": r.Timeout.String(),
		})
	}

	var timeout <-chan time.Time
	if r.Timeout > 0 {
		t := time.NewTimer(r.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case ok := <-ch:
		return ok, nil
	case <-timeout:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Pending returns the url of the challenge currently awaiting a signal
func (r *SignalResolver) Pending() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, r.result != nil
}

// Signal delivers the outcome of the pending challenge. It reports false
// when nothing is waiting.
func (r *SignalResolver) Signal(ok bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return false
	}
	select {
	case r.result <- ok:
	default:
	}
	return true
}

// FromConfig builds the resolver named by cfg.Mode
func FromConfig(cfg config.ChallengeConfig, log logger.Logger) (Resolver, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "interactive":
		return NewTerminalResolver(log), nil
	case "fail":
		return FailResolver{Logger: log}, nil
	case "signal":
		return NewSignalResolver(cfg.SignalTimeout, log), nil
	default:
		return nil, errs.New(errs.ErrorTypeConfig, 0, fmt.Sprintf("unknown challenge mode %q", cfg.Mode))
	}
}
