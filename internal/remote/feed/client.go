package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/steveyegge/tether/internal/remote"
)

// ClientConfig configures a feed client.
type ClientConfig struct {
	// URL of the feed server, e.g. http://localhost:7070
	URL string

	// HTTPClient for request/response calls (default: 10s timeout)
	HTTPClient *http.Client

	// ReconnectBaseDelay is the first reconnect delay, doubled per attempt (default: 500ms)
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the reconnect delay (default: 30s)
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects (0 = unlimited)
	MaxReconnectAttempts int

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		URL:                "http://localhost:7070",
		HTTPClient:         &http.Client{Timeout: 10 * time.Second},
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,
		Logger:             log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}
}

// Client is a remote.Store backed by a feed server.
//
// Subscriptions survive dropped connections: the client reconnects with
// exponential backoff and, once connected again, refetches the resource and
// delivers every row as an UpdateEvent so changes missed while disconnected
// still reach the subscriber. Rows the subscription knew of that are missing
// from the refetch are delivered as DeleteEvents.
type Client struct {
	base   *url.URL
	http   *http.Client
	cfg    ClientConfig
	logger *log.Logger
}

// NewClient creates a client for the server at cfg.URL.
func NewClient(cfg *ClientConfig) (*Client, error) {
	defaults := DefaultClientConfig()
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	if c.URL == "" {
		return nil, fmt.Errorf("%w: feed URL cannot be empty", remote.ErrConfiguration)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = defaults.HTTPClient
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}

	base, err := url.Parse(strings.TrimRight(c.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid feed URL %q: %v", remote.ErrConfiguration, c.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: feed URL must be http or https, got %q", remote.ErrConfiguration, c.URL)
	}

	return &Client{base: base, http: c.HTTPClient, cfg: c, logger: c.Logger}, nil
}

// FetchMany returns every row of resource matching filter.
func (c *Client) FetchMany(ctx context.Context, resource string, filter remote.Filter) ([]remote.Row, error) {
	var resp struct {
		Rows []remote.Row `json:"rows"`
	}
	if err := c.post(ctx, "/fetch", fetchRequest{Resource: resource, Filter: filter}, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// FetchOne returns a single row by id.
func (c *Client) FetchOne(ctx context.Context, resource, id string) (remote.Row, error) {
	var resp struct {
		Row remote.Row `json:"row"`
	}
	if err := c.post(ctx, "/fetch-one", fetchRequest{Resource: resource, ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Row, nil
}

// InsertMany writes rows to resource.
func (c *Client) InsertMany(ctx context.Context, resource string, rows []remote.Row) error {
	return c.post(ctx, "/insert", insertRequest{Resource: resource, Rows: rows}, nil)
}

// InvokeProcedure runs a named procedure on the server.
func (c *Client) InvokeProcedure(ctx context.Context, name string, args remote.Row) (any, error) {
	var resp struct {
		Result any `json:"result"`
	}
	if err := c.post(ctx, "/invoke", invokeRequest{Name: name, Args: args}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrConfiguration, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errorFor(resp.StatusCode, "health check failed")
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: failed to encode request: %v", remote.ErrValidation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", remote.ErrTransient, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", remote.ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return errorFor(resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: malformed response from %s: %v", remote.ErrValidation, path, err)
	}
	return nil
}

// errorFor maps an HTTP status onto the error taxonomy.
func errorFor(status int, msg string) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", remote.ErrNotFound, msg)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", remote.ErrConflict, msg)
	case status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: server returned %d: %s", remote.ErrTransient, status, msg)
	case status >= 400:
		return fmt.Errorf("%w: %s", remote.ErrValidation, msg)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", remote.ErrTransient, status, msg)
	}
}

// Subscribe streams events for resource. The first connection is made
// synchronously so an unreachable server is reported to the caller; later
// disconnects are retried in the background.
func (c *Client) Subscribe(ctx context.Context, resource string, filter remote.Filter, onEvent func(remote.Event)) (func(), error) {
	if onEvent == nil {
		return nil, fmt.Errorf("%w: onEvent cannot be nil", remote.ErrConfiguration)
	}
	wsURL, err := c.wsURL(resource, filter)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		client:   c,
		url:      wsURL,
		resource: resource,
		filter:   filter,
		onEvent:  onEvent,
		recon:    newReconnector(&c.cfg),
		known:    make(map[string]struct{}),
	}

	conn, err := sub.dial(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	if rows, err := c.FetchMany(subCtx, resource, filter); err != nil {
		c.logger.Printf("Warning: could not list %s, deletes missed while disconnected may not be replayed: %v", resource, err)
	} else {
		for _, row := range rows {
			sub.known[row.ID()] = struct{}{}
		}
	}

	sub.wg.Add(1)
	go sub.run(subCtx, conn)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.wg.Wait()
		})
	}, nil
}

func (c *Client) wsURL(resource string, filter remote.Filter) (string, error) {
	if resource == "" {
		return "", fmt.Errorf("%w: subscription needs a resource", remote.ErrConfiguration)
	}
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	q := url.Values{}
	q.Set("resource", resource)
	if len(filter) > 0 {
		data, err := json.Marshal(filter)
		if err != nil {
			return "", fmt.Errorf("%w: filter is not JSON-encodable: %v", remote.ErrConfiguration, err)
		}
		q.Set("filter", string(data))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type subscription struct {
	client   *Client
	url      string
	resource string
	filter   remote.Filter
	onEvent  func(remote.Event)
	recon    *reconnector
	wg       sync.WaitGroup

	// known holds the ids the subscriber has been told about. Only the run
	// goroutine touches it after Subscribe returns.
	known map[string]struct{}
}

func (s *subscription) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %v", remote.ErrTransient, s.resource, err)
	}
	s.recon.markConnected()
	return conn, nil
}

func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	logger := s.client.logger

	for {
		s.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		logger.Printf("Feed for %s disconnected, reconnecting", s.resource)

		for {
			if !s.recon.shouldReconnect() {
				logger.Printf("Giving up on feed for %s after %d attempts", s.resource, s.recon.attempt)
				return
			}
			delay := s.recon.nextDelay()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			var err error
			conn, err = s.dial(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			logger.Printf("Reconnect to %s failed (attempt %d): %v", s.resource, s.recon.attempt, err)
		}

		logger.Printf("Feed for %s reconnected", s.resource)
		s.resync(ctx)
	}
}

func (s *subscription) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		ev, err := remote.DecodeEvent(data)
		if err != nil {
			s.client.logger.Printf("Dropping invalid event on %s: %v", s.resource, err)
			continue
		}
		s.track(ev)
		s.onEvent(ev)
	}
}

func (s *subscription) track(ev remote.Event) {
	id := ev.Meta().EntityID()
	if _, deleted := ev.(remote.DeleteEvent); deleted {
		delete(s.known, id)
		return
	}
	s.known[id] = struct{}{}
}

// resync replays the current rows after a reconnect. Rows the subscriber
// already holds are ignored downstream as duplicates; known rows that are
// gone are reported deleted.
func (s *subscription) resync(ctx context.Context) {
	rows, err := s.client.FetchMany(ctx, s.resource, s.filter)
	if err != nil {
		s.client.logger.Printf("Resync of %s failed: %v", s.resource, err)
		return
	}
	now := time.Now()
	present := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		ev, err := remote.NewEvent(remote.ChangeUpdate, s.resource, row, now)
		if err != nil {
			s.client.logger.Printf("Dropping invalid row on %s: %v", s.resource, err)
			continue
		}
		present[row.ID()] = struct{}{}
		s.onEvent(ev)
	}

	gone := 0
	for id := range s.known {
		if _, ok := present[id]; ok {
			continue
		}
		ev, err := remote.NewEvent(remote.ChangeDelete, s.resource, remote.Row{remote.FieldID: id}, now)
		if err != nil {
			continue
		}
		gone++
		s.onEvent(ev)
	}
	s.known = present
	if gone > 0 {
		s.client.logger.Printf("Resync of %s: %d rows deleted while disconnected", s.resource, gone)
	}
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ClientConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns the backoff for the next attempt. A connection that held
// for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

var _ remote.Store = (*Client)(nil)
