// Package stream follows one in-flight execution over server-sent events.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/mpataki/autodev/internal/logging"
)

const lostReason = "Connection to stream lost"

// Callbacks receive stream events. Any of them may be nil. They run on the
// connection's goroutine; OnComplete and OnError are the last call for a
// connection and fire at most once.
type Callbacks struct {
	OnOpen     func()
	OnMessage  func(text string)
	OnComplete func()
	OnError    func(reason string)
}

func (cb Callbacks) open() {
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
}

func (cb Callbacks) message(text string) {
	if cb.OnMessage != nil {
		cb.OnMessage(text)
	}
}

func (cb Callbacks) complete() {
	if cb.OnComplete != nil {
		cb.OnComplete()
	}
}

func (cb Callbacks) fail(reason string) {
	if cb.OnError != nil {
		cb.OnError(reason)
	}
}

// Client holds at most one stream connection. The zero value is not usable;
// create one with New.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	classifier Classifier
	logger     *slog.Logger

	mu   sync.Mutex
	conn *conn
}

type conn struct {
	executionID int64
	cancel      context.CancelFunc
	open        bool
	done        chan struct{}
}

type Option func(*Client)

func WithToken(ts func() string) Option {
	return func(c *Client) { c.token = ts }
}

func WithClassifier(cl Classifier) Option {
	return func(c *Client) { c.classifier = cl }
}

// WithHTTPClient overrides the transport. The client must not set a timeout;
// streams live until disconnected or closed by the server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.OrDiscard(l) }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      func() string { return "" },
		httpClient: &http.Client{},
		classifier: DefaultClassifier(),
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens a stream for executionID, tearing down any previous
// connection first. It returns immediately; progress arrives on cb.
func (c *Client) Connect(executionID int64, cb Callbacks) {
	ctx, cancel := context.WithCancel(context.Background())
	cn := &conn{executionID: executionID, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.conn
	c.conn = cn
	c.mu.Unlock()

	if prev != nil {
		c.logger.Debug("replacing stream", "previous", prev.executionID, "execution", executionID)
		prev.cancel()
	}

	c.logger.Info("connecting to stream", "execution", executionID)
	go c.run(ctx, cn, cb)
}

// Disconnect closes the current connection. It is safe to call at any time,
// any number of times. No callback fires for a connection after it has been
// disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cn != nil {
		c.logger.Info("disconnecting from stream", "execution", cn.executionID)
		cn.cancel()
	}
}

// IsConnected reports whether a connection is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.open
}

// IsConnectedTo reports whether executionID is the execution currently bound,
// whether or not its connection has finished opening.
func (c *Client) IsConnectedTo(executionID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.executionID == executionID
}

// CurrentExecutionID returns the bound execution, or 0.
func (c *Client) CurrentExecutionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0
	}
	return c.conn.executionID
}

// Done returns a channel closed when the connection's goroutine has exited,
// or nil when nothing is bound.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.done
}

func (c *Client) streamURL(executionID int64) string {
	u := c.baseURL + "/api/autodev/stream/" + strconv.FormatInt(executionID, 10)
	if tok := c.token(); tok != "" {
		u += "?token=" + url.QueryEscape(tok)
	}
	return u
}

func (c *Client) isCurrent(cn *conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == cn
}

func (c *Client) markOpen(cn *conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != cn {
		return false
	}
	cn.open = true
	return true
}

// detach unbinds cn if it is still current. Only the caller that detaches a
// connection may deliver its final callback.
func (c *Client) detach(cn *conn) bool {
	c.mu.Lock()
	current := c.conn == cn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()

	cn.cancel()
	return current
}

func (c *Client) run(ctx context.Context, cn *conn, cb Callbacks) {
	defer close(cn.done)
	log := c.logger.With("execution", cn.executionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(cn.executionID), nil)
	if err != nil {
		if c.detach(cn) {
			cb.fail(fmt.Sprintf("%s: %v", lostReason, err))
		}
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.detach(cn) {
			log.Warn("stream connection failed", "error", err)
			cb.fail(lostReason)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if c.detach(cn) {
			log.Warn("stream rejected", "status", resp.StatusCode)
			cb.fail(fmt.Sprintf("%s (HTTP %d)", lostReason, resp.StatusCode))
		}
		return
	}

	if !c.markOpen(cn) {
		return
	}
	log.Debug("stream opened")
	cb.open()

	finished := false
	err = readEvents(resp.Body, func(ev event) bool {
		if !c.isCurrent(cn) {
			return false
		}
		verdict := c.classifier.Classify(ev.Data)
		log.Debug("stream message", "verdict", verdict, "data", ev.Data)

		cb.message(ev.Data)
		switch verdict {
		case Complete:
			finished = true
			if c.detach(cn) {
				cb.complete()
			}
			return false
		case Failure:
			finished = true
			if c.detach(cn) {
				cb.fail(ev.Data)
			}
			return false
		}
		return true
	})
	if finished {
		return
	}

	if err != nil {
		if c.detach(cn) {
			log.Warn("stream lost", "error", err)
			cb.fail(lostReason)
		}
		return
	}
	if c.detach(cn) {
		log.Info("stream closed by server")
		cb.complete()
	}
}
