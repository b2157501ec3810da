package timeout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Policy bounds total handling time per request. Paths matching an
// excluded prefix (health probes, metrics scraping) are never deadlined.
type Policy struct {
	Timeout       time.Duration `json:"timeout"`
	ExcludedPaths []string      `json:"excluded_paths"`
}

// Error reports a handler that exceeded its deadline. The downstream
// work may or may not have completed; callers must treat the outcome as
// ambiguous, not as a failure to execute.
type Error struct {
	Path    string
	Method  string
	Timeout time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s exceeded the %s deadline", e.Method, e.Path, e.Timeout)
}

// Enforcer races each handler invocation against the configured
// deadline. Handler panics and errors unrelated to the deadline
// propagate unchanged.
type Enforcer struct {
	policy Policy
	logger *slog.Logger
}

func NewEnforcer(policy Policy, logger *slog.Logger) (*Enforcer, error) {
	if policy.Timeout <= 0 {
		return nil, errors.New("timeout: deadline must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Enforcer{policy: policy, logger: logger}, nil
}

// Excluded reports whether the path is exempt from the deadline.
func (e *Enforcer) Excluded(path string) bool {
	for _, prefix := range e.policy.ExcludedPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (e *Enforcer) Policy() Policy {
	return e.policy
}

// Wrap returns next bounded by the deadline. The handler runs in its own
// goroutine writing to a buffered response; whichever of handler
// completion and deadline resolves first decides what the client sees.
// A cancelled handler keeps running briefly but its output is discarded.
func (e *Enforcer) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e.Excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), e.policy.Timeout)
		defer cancel()

		buffered := newBufferedWriter()
		done := make(chan struct{})
		panicked := make(chan any, 1)
		start := time.Now()

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			next.ServeHTTP(buffered, r.WithContext(ctx))
			close(done)
		}()

		select {
		case p := <-panicked:
			panic(p)

		case <-done:
			buffered.flushTo(w)
			if elapsed := time.Since(start); elapsed >= e.nearMissThreshold() {
				e.logger.Warn("Request finished close to its deadline",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Duration("elapsed", elapsed),
					slog.Duration("timeout", e.policy.Timeout))
			}

		case <-ctx.Done():
			buffered.markTimedOut()
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// The client went away before the deadline; there is
				// nobody to answer and nothing actually timed out.
				e.logger.Debug("Request cancelled before its deadline",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path))
				return
			}
			e.logger.Warn("Request exceeded its deadline",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("timeout", e.policy.Timeout))
			writeTimeoutResponse(w, &Error{
				Path:    r.URL.Path,
				Method:  r.Method,
				Timeout: e.policy.Timeout,
			})
		}
	})
}

func (e *Enforcer) nearMissThreshold() time.Duration {
	return e.policy.Timeout * 8 / 10
}

func writeTimeoutResponse(w http.ResponseWriter, terr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGatewayTimeout)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":           "request timeout",
		"path":            terr.Path,
		"method":          terr.Method,
		"timeout_seconds": terr.Timeout.Seconds(),
	})
}

// bufferedWriter holds the handler's response until the race is decided,
// so a late handler never races the timeout body on the real connection.
type bufferedWriter struct {
	mutex       sync.Mutex
	header      http.Header
	body        bytes.Buffer
	code        int
	wroteHeader bool
	timedOut    bool
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(code int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.timedOut || b.wroteHeader {
		return
	}
	b.code = code
	b.wroteHeader = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !b.wroteHeader {
		b.code = http.StatusOK
		b.wroteHeader = true
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) markTimedOut() {
	b.mutex.Lock()
	b.timedOut = true
	b.mutex.Unlock()
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for key, values := range b.header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if !b.wroteHeader {
		b.code = http.StatusOK
	}
	w.WriteHeader(b.code)
	_, _ = w.Write(b.body.Bytes())
}
