package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gracechurch.org/authz/internal/ids"
	"gracechurch.org/authz/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one append-only audit record.
type Entry struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource"`
	Success        bool           `json:"success"`
	IPAddress      string         `json:"ip_address"`
	UserAgent      string         `json:"user_agent"`
	AdditionalData map[string]any `json:"additional_data"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Sink persists audit entries.
type Sink interface {
	AppendAudit(ctx context.Context, entry Entry) error
}

// Logger hands entries to a Sink on a background goroutine. Log never blocks and
// never reports failure to the caller: a full buffer drops the entry and a sink
// error is logged and counted.
type Logger struct {
	sink         Sink
	queue        chan Entry
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Option configures Logger.
type Option func(*Logger)

// WithBufferSize sets how many entries may wait for the sink before new ones are dropped.
func WithBufferSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queue = make(chan Entry, n)
		}
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLogger starts the background writer. A nil sink still emits log lines.
func NewLogger(sink Sink, opts ...Option) *Logger {
	l := &Logger{
		sink:         sink,
		queue:        make(chan Entry, defaultBufferSize),
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Log enqueues an entry. It is safe to call on a nil Logger.
func (l *Logger) Log(ctx context.Context, entry Entry) {
	if l == nil {
		return
	}
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		obs.Logger().Warn("audit entry without action dropped", zap.String("resource", entry.Resource))
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.CreatedAt)
	}
	data := make(map[string]any, len(entry.AdditionalData)+1)
	for k, v := range entry.AdditionalData {
		data[k] = v
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		data["request_id"] = rid
	}
	entry.AdditionalData = data

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		obs.AuditDropped()
		return
	}
	select {
	case l.queue <- entry:
	default:
		obs.AuditDropped()
		obs.Logger().Warn("audit buffer full, entry dropped",
			zap.String("action", entry.Action),
			zap.String("user_id", entry.UserID),
		)
	}
}

// Close stops accepting entries and waits until queued ones reach the sink.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
}

func (l *Logger) run() {
	defer close(l.done)
	for entry := range l.queue {
		l.write(entry)
	}
}

func (l *Logger) write(entry Entry) {
	obs.Logger().Info("audit",
		zap.String("type", "audit"),
		zap.String("id", entry.ID),
		zap.String("user_id", entry.UserID),
		zap.String("action", entry.Action),
		zap.String("resource", entry.Resource),
		zap.Bool("success", entry.Success),
		zap.String("ip_address", entry.IPAddress),
		zap.Any("additional_data", entry.AdditionalData),
	)
	if l.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			obs.AuditWriteFailed()
			obs.Logger().Error("audit sink panicked", zap.Any("panic", r), zap.String("id", entry.ID))
		}
	}()
	if err := l.sink.AppendAudit(ctx, entry); err != nil {
		obs.AuditWriteFailed()
		obs.Logger().Error("audit write failed", zap.Error(err), zap.String("id", entry.ID))
	}
}
