package websocket

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/config"
)

const defaultQueueSize = 64

// ReporterOptions configures a Reporter.
type ReporterOptions struct {
	// BaseURL is the ws:// or wss:// origin of the exam monitor.
	BaseURL   string
	ExamID    string
	Token     string
	QueueSize int
	Log       zerolog.Logger
}

// Reporter streams violation events to the exam monitor. Delivery is
// best-effort: events are dropped when the queue is full or the monitor
// is unreachable, and Report never blocks.
type Reporter struct {
	url    string
	dialer *websocket.Dialer
	queue  chan Violation
	log    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	sent    int
	dropped int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReporter builds a Reporter. Call Start to begin delivery.
func NewReporter(opts ReporterOptions) (*Reporter, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + config.StorageKey.ExamMonitorPath(opts.ExamID))
	if err != nil {
		return nil, err
	}
	if opts.Token != "" {
		u.RawQuery = url.Values{"token": {opts.Token}}.Encode()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Reporter{
		url:    u.String(),
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		queue:  make(chan Violation, size),
		log:    opts.Log.With().Str("component", "violation_reporter").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Start runs the delivery goroutine until ctx is cancelled or Close is called.
func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
}

// Report enqueues v. It reports false when the event was dropped.
func (r *Reporter) Report(v Violation) bool {
	select {
	case r.queue <- v:
		return true
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Warn().Str("reason", string(v.Reason)).Msg("Violation queue full, dropping event")
		return false
	}
}

// Stats returns the number of delivered and dropped events.
func (r *Reporter) Stats() (sent, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent, r.dropped
}

// Close stops delivery and closes the connection.
func (r *Reporter) Close() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)
	defer r.closeConn()

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-r.queue:
			r.deliver(ctx, v)
		}
	}
}

func (r *Reporter) deliver(ctx context.Context, v Violation) {
	msg := CheatRequest{Action: ActionCheat, Payload: v}
	// one reconnect per event
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := r.connect(ctx)
		if err != nil {
			r.log.Debug().Err(err).Msg("Exam monitor unreachable")
			break
		}
		if err := WriteTyped(conn, msg); err != nil {
			r.log.Debug().Err(err).Msg("Violation write failed, reconnecting")
			r.closeConn()
			continue
		}
		r.mu.Lock()
		r.sent++
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func (r *Reporter) connect(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	go r.drain(conn)
	return conn, nil
}

// drain consumes server acknowledgements so control frames are processed.
func (r *Reporter) drain(conn *websocket.Conn) {
	for {
		ev, err := ReadEvent(conn)
		if err != nil {
			r.mu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			conn.Close()
			return
		}
		if ev.Event == EventError {
			r.log.Warn().Str("error", ev.Error).Msg("Exam monitor rejected event")
		}
	}
}

func (r *Reporter) closeConn() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		CloseNormal(conn)
	}
}
