package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

const (
	defaultQueueSize    = 1024
	defaultWorkers      = 2
	defaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("audit: recorder closed")

// Recorder persists audit entries off the request path. Recording never
// blocks the caller and never fails the request: a full queue drops the
// entry and a failed write is logged.
type Recorder struct {
	store        auth.AuditStore
	queue        chan auth.AuditEntry
	workers      int
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures Recorder.
type Option func(*Recorder)

// WithQueueSize bounds the number of pending entries.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan auth.AuditEntry, n)
		}
	}
}

// WithWorkers sets how many goroutines drain the queue.
func WithWorkers(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithClock overrides the timestamp source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder starts the worker pool.
func NewRecorder(store auth.AuditStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:        store,
		queue:        make(chan auth.AuditEntry, defaultQueueSize),
		workers:      defaultWorkers,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	for range r.workers {
		r.wg.Add(1)
		go r.run()
	}
	return r
}

// Record enqueues entry and reports whether it was accepted.
func (r *Recorder) Record(entry auth.AuditEntry) bool {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		obs.RecordAudit("dropped")
		return false
	}
	select {
	case r.queue <- entry:
		obs.SetAuditQueueDepth(len(r.queue))
		return true
	default:
		obs.RecordAudit("dropped")
		obs.Logger().Warn("audit queue full, entry dropped",
			"action", entry.Action,
			"request_id", entry.RequestID,
		)
		return false
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain: %w", ctx.Err())
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for entry := range r.queue {
		obs.SetAuditQueueDepth(len(r.queue))
		r.write(entry)
	}
}

func (r *Recorder) write(entry auth.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if err := r.store.Append(ctx, &entry); err != nil {
		obs.RecordAudit("failed")
		obs.Logger().Error("audit write failed",
			"action", entry.Action,
			"request_id", entry.RequestID,
			"error", err.Error(),
		)
		return
	}
	obs.RecordAudit("written")
}

type annotationKey struct{}

type annotation struct {
	mu           sync.Mutex
	credentialID *int64
	username     *string
	description  string
}

// Annotate names the principal of a request that had none when it arrived,
// such as a successful login.
func Annotate(ctx context.Context, credentialID int64, username string) {
	a, ok := ctx.Value(annotationKey{}).(*annotation)
	if !ok {
		return
	}
	a.mu.Lock()
	a.credentialID = &credentialID
	if username != "" {
		a.username = &username
	}
	a.mu.Unlock()
}

// Describe replaces the route's audit description for this request.
func Describe(ctx context.Context, description string) {
	a, ok := ctx.Value(annotationKey{}).(*annotation)
	if !ok {
		return
	}
	a.mu.Lock()
	a.description = description
	a.mu.Unlock()
}

// Middleware records action once the wrapped handler has answered with a
// status below 400.
func (r *Recorder) Middleware(action, description string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			note := &annotation{}
			ctx := context.WithValue(req.Context(), annotationKey{}, note)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, req.WithContext(ctx))

			if sw.status >= http.StatusBadRequest {
				return
			}
			entry := auth.AuditEntry{
				Action:      action,
				Description: describe(description, req),
				RequestID:   RequestIDFromContext(ctx),
			}
			if p, ok := auth.PrincipalFromContext(req.Context()); ok {
				id, name := p.CredentialID, p.Username
				entry.CredentialID = &id
				entry.Username = &name
			}
			note.mu.Lock()
			if note.credentialID != nil {
				entry.CredentialID = note.credentialID
				entry.Username = note.username
			}
			if note.description != "" {
				entry.Description = note.description
			}
			note.mu.Unlock()

			r.Record(entry)
			_ = LogEvent(ctx, action, map[string]any{
				"status":      sw.status,
				"description": entry.Description,
			})
		})
	}
}

func describe(description string, req *http.Request) string {
	if description = strings.TrimSpace(description); description != "" {
		return description
	}
	return req.Method + " " + req.URL.Path
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
