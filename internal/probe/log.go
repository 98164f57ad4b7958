package probe

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tandem-sh/tandem/internal/config"
)

// logProber flips to ready the first time a log line matches the configured
// pattern. The match is sticky, mirroring the log file itself: once the line
// has been written, the server has announced readiness.
type logProber struct {
	pattern *regexp.Regexp
	sources []string
	levels  []string

	mu      sync.Mutex
	matched bool
	done    chan struct{}
}

func newLogProber(spec *config.LogProbeSpec) (Prober, error) {
	pattern, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, err
	}
	return &logProber{
		pattern: pattern,
		sources: normalizeTokens(spec.Sources),
		levels:  normalizeTokens(spec.Levels),
		done:    make(chan struct{}),
	}, nil
}

func normalizeTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		token = strings.ToLower(strings.TrimSpace(token))
		if token != "" {
			out = append(out, token)
		}
	}
	return out
}

// tokenAllowed treats an empty filter list as match-everything.
func tokenAllowed(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	value = strings.ToLower(value)
	for _, token := range filter {
		if token == value {
			return true
		}
	}
	return false
}

func (p *logProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	matched := p.matched
	p.mu.Unlock()
	if matched {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pattern %q not matched: %w", p.pattern.String(), ctx.Err())
	}
}

func (p *logProber) ObserveLog(entry LogEntry) {
	if !tokenAllowed(p.sources, entry.Source) || !tokenAllowed(p.levels, entry.Level) {
		return
	}
	if !p.pattern.MatchString(entry.Message) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.matched {
		p.matched = true
		close(p.done)
	}
}

var _ Prober = (*logProber)(nil)
var _ LogObserver = (*logProber)(nil)
