// Package uplog implements the buffered, asynchronous upload-event
// logger (spec §4.K). Grounded on the capability-interface design note
// in §9 ("upload logger ... model as capability interfaces with a
// single call/log/open method") since no teacher or pack file logs
// upload telemetry to the Service itself; the buffering/flush-threshold
// shape follows the same size-or-time-triggered flush idiom
// go.uber.org/zap's own buffered WriteSyncer uses, which the teacher
// already depends on for structured logging.
package uplog

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiniu/go-upload-sdk/httpclient"
)

// UpType names which upload path produced a Record.
type UpType string

const (
	UpForm      UpType = "form"
	UpChunkedV1 UpType = "chunked_v1"
	UpChunkedV2 UpType = "chunked_v2"
)

// Record is one per-attempt upload telemetry entry (§3: UploadLoggerRecord).
// Invariant: exactly one of StatusCode/ErrorMessage is non-zero.
type Record struct {
	StatusCode   int       `json:"status_code,omitempty"`
	RequestID    string    `json:"req_id,omitempty"`
	Host         string    `json:"host,omitempty"`
	UpType       UpType    `json:"up_type"`
	SentBytes    int64     `json:"sent_bytes"`
	TotalSize    int64     `json:"total_size"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	TokenHash    string    `json:"token_hash,omitempty"`
}

// TokenHash returns sha1(token) hex-encoded, the recommended stand-in for
// logging the token itself (§9: "recommend token-hash only").
func TokenHash(token string) string {
	h := sha1.Sum([]byte(token))
	return hex.EncodeToString(h[:])
}

// Logger buffers Records and flushes them to the Service in batches,
// triggered by size or time threshold, whichever comes first.
type Logger struct {
	client       *httpclient.Client
	host         string
	maxBatch     int
	flushPeriod  time.Duration
	streamToken  string
	logger       *zap.Logger

	mu      sync.Mutex
	pending []Record

	flushTrigger chan struct{}
	closed       chan struct{}
	wg           sync.WaitGroup
}

// Option configures a Logger.
type Option func(*Logger)

func WithMaxBatch(n int) Option               { return func(l *Logger) { l.maxBatch = n } }
func WithFlushPeriod(d time.Duration) Option  { return func(l *Logger) { l.flushPeriod = d } }
func WithZapLogger(z *zap.Logger) Option      { return func(l *Logger) { l.logger = z } }

// New builds a Logger that flushes batches to host (§4.K). Each Logger
// gets a random streamToken, exposed through StreamToken; the flushed
// batches do not carry it. Call Close to stop the background flusher and
// flush any remaining buffered records.
func New(client *httpclient.Client, host string, opts ...Option) *Logger {
	l := &Logger{
		client:       client,
		host:         host,
		maxBatch:     100,
		flushPeriod:  10 * time.Second,
		streamToken:  uuid.NewString(),
		logger:       zap.NewNop(),
		flushTrigger: make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// StreamToken identifies this logger's shared stream.
func (l *Logger) StreamToken() string { return l.streamToken }

// Log enqueues record for background flush (§4.K: "log(record) enqueues").
// Background logger errors are swallowed (§7: "background logger errors
// are swallowed, logged internally only").
func (l *Logger) Log(record Record) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.pending = append(l.pending, record)
	full := len(l.pending) >= l.maxBatch
	l.mu.Unlock()

	if full {
		select {
		case l.flushTrigger <- struct{}{}:
		default:
		}
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.flushTrigger:
			l.flush()
		case <-l.closed:
			l.flush()
			return
		}
	}
}

func (l *Logger) flush() {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if err := l.send(batch); err != nil {
		l.logger.Warn("uplog flush failed", zap.Error(err), zap.Int("records", len(batch)))
	}
}

func (l *Logger) send(batch []Record) error {
	lines := make([]byte, 0, 256*len(batch))
	for _, r := range batch {
		line, err := json.Marshal(r)
		if err != nil {
			continue
		}
		lines = append(lines, line...)
		lines = append(lines, '\n')
	}

	_, err := l.client.Do(context.Background(), &httpclient.Request{
		Hosts:       []string{l.host},
		Method:      http.MethodPost,
		PathQuery:   "/log/3",
		ContentType: "application/octet-stream",
		Idempotent:  false,
		BodyFactory: func() (io.Reader, int64) { return bytes.NewReader(lines), int64(len(lines)) },
	})
	return err
}

// Close stops the background flusher after draining any buffered records.
func (l *Logger) Close() error {
	close(l.closed)
	l.wg.Wait()
	return nil
}
