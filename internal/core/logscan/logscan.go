// Package logscan tails process or container output streams, forwards each
// line to the logger, and captures values matched by a regular expression.
// It is how nbforge recovers artifacts that external tools only announce in
// their logs: the JupyterLab access token, legacy builder image ids.
package logscan

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
)

// Scanner reads a stream line by line, logging every line and remembering
// the first submatch of its pattern. Artifact may be polled concurrently
// while Scan runs in another goroutine.
type Scanner struct {
	pattern *regexp.Regexp
	logger  *slog.Logger
	level   slog.Level

	mu       sync.Mutex
	artifact string
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLevel sets the level lines are logged at (default debug).
func WithLevel(level slog.Level) Option {
	return func(s *Scanner) { s.level = level }
}

// WithLogger sets the logger lines are forwarded to (default slog.Default).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) { s.logger = logger }
}

// New creates a Scanner. pattern may be nil to only forward lines to the
// logger; otherwise it must contain at least one capturing group.
func New(pattern *regexp.Regexp, opts ...Option) *Scanner {
	s := &Scanner{
		pattern: pattern,
		logger:  slog.Default(),
		level:   slog.LevelDebug,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan consumes the reader until EOF. The first line matching the pattern
// sets the artifact; later matches are ignored so the earliest announcement
// wins. Returns the reader error, if any, other than EOF.
func (s *Scanner) Scan(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	// Container logs can carry long lines (progress bars, notebook JSON).
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Log(context.Background(), s.level, line)
		if s.pattern == nil {
			continue
		}
		if m := s.pattern.FindStringSubmatch(line); m != nil && len(m) > 1 {
			s.mu.Lock()
			if s.artifact == "" {
				s.artifact = m[1]
			}
			s.mu.Unlock()
		}
	}
	return scanner.Err()
}

// Artifact returns the captured value, or "" if nothing matched yet.
func (s *Scanner) Artifact() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}
