package channel

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/furkansenharputlu/f-license-validator/lcs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	defaultDialAttempts   = 3
	defaultRedialInterval = time.Second

	// Connections dropped sooner than this count as failed dials.
	defaultMinUptime = 5 * time.Second
)

// Client is a Channel backed by a websocket push connection per session key.
type Client struct {
	endpoint       *url.URL
	dialer         *websocket.Dialer
	header         http.Header
	dialAttempts   int
	redialInterval time.Duration
	minUptime      time.Duration
	log            *logrus.Entry

	mu     sync.Mutex
	conns  map[lcs.SessionKey]*conn
	closed bool
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithDialAttempts sets how many consecutive failed dials end in Failed.
func WithDialAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.dialAttempts = n
		}
	}
}

// WithRedialInterval sets the minimum spacing between dial attempts.
func WithRedialInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.redialInterval = d
		}
	}
}

// WithMinUptime sets how long a connection must stay up before its dial counts as a success.
func WithMinUptime(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.minUptime = d
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient returns a Client pushing from pushURL. http(s) URLs are dialed as ws(s).
func NewClient(pushURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(pushURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid push URL")
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, errors.Errorf("unsupported push URL scheme %q", u.Scheme)
	}

	c := &Client{
		endpoint:       u,
		dialer:         websocket.DefaultDialer,
		dialAttempts:   defaultDialAttempts,
		redialInterval: defaultRedialInterval,
		minUptime:      defaultMinUptime,
		log:            logrus.WithField("component", "channel"),
		conns:          make(map[lcs.SessionKey]*conn),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Connect subscribes to key, dialing in the background when no connection exists yet.
func (c *Client) Connect(_ context.Context, key lcs.SessionKey) (Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	cn, ok := c.conns[key]
	if !ok {
		cn = newConn(c, key)
		c.conns[key] = cn
	}
	sub := cn.subscribe()
	c.mu.Unlock()

	if !ok {
		go cn.run()
	}

	return sub, nil
}

// Close tears down every connection. Open handles receive a final Failed event.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conns := c.conns
	c.conns = make(map[lcs.SessionKey]*conn)
	c.mu.Unlock()

	for _, cn := range conns {
		cn.cancel()
		cn.broadcast(Event{Type: Failed, Reason: ErrClosed.Error()}, false)
		cn.stop()
	}

	return nil
}

// Connections returns the number of live session connections.
func (c *Client) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func (c *Client) url(key lcs.SessionKey) string {
	u := *c.endpoint
	q := u.Query()
	q.Set("code", key.Code)
	q.Set("device", key.DeviceID)
	u.RawQuery = q.Encode()
	return u.String()
}

// release drops cn from the registry if it is still the registered connection for its key.
func (c *Client) release(cn *conn) {
	if current, ok := c.conns[cn.key]; ok && current == cn {
		delete(c.conns, cn.key)
	}
}

type conn struct {
	client *Client
	key    lcs.SessionKey
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	subs      map[string]*subscription
	connected bool
	ws        *websocket.Conn
}

func newConn(c *Client, key lcs.SessionKey) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		client: c,
		key:    key,
		log:    c.log.WithField("device", key.DeviceID),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

func (cn *conn) subscribe() *subscription {
	sub := &subscription{id: uuid.NewString(), conn: cn}

	cn.mu.Lock()
	if cn.connected {
		sub.pending = append(sub.pending, Event{Type: Connected})
	}
	cn.subs[sub.id] = sub
	cn.mu.Unlock()

	return sub
}

func (cn *conn) unsubscribe(id string) {
	cn.client.mu.Lock()
	cn.mu.Lock()
	delete(cn.subs, id)
	last := len(cn.subs) == 0
	cn.mu.Unlock()
	if last {
		cn.client.release(cn)
	}
	cn.client.mu.Unlock()

	if last {
		cn.stop()
	}
}

func (cn *conn) stop() {
	cn.cancel()

	cn.mu.Lock()
	ws := cn.ws
	cn.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = ws.Close()
	}
}

func (cn *conn) broadcast(ev Event, connected bool) {
	cn.mu.Lock()
	cn.connected = connected
	subs := make([]*subscription, 0, len(cn.subs))
	for _, s := range cn.subs {
		subs = append(subs, s)
	}
	cn.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

func (cn *conn) run() {
	limiter := rate.NewLimiter(rate.Every(cn.client.redialInterval), 1)
	failures := 0

	for {
		if err := limiter.Wait(cn.ctx); err != nil {
			return
		}

		ws, resp, err := cn.client.dialer.DialContext(cn.ctx, cn.client.url(cn.key), cn.client.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if cn.ctx.Err() != nil {
				return
			}

			failures++
			cn.log.WithError(err).WithField("attempt", failures).Warn("Couldn't connect to payment channel")
			if failures >= cn.client.dialAttempts {
				cn.fail(err)
				return
			}
			continue
		}

		cn.mu.Lock()
		if cn.ctx.Err() != nil {
			cn.mu.Unlock()
			_ = ws.Close()
			return
		}
		cn.ws = ws
		cn.mu.Unlock()

		cn.log.Debug("Payment channel connected")
		cn.broadcast(Event{Type: Connected}, true)

		connectedAt := time.Now()
		reason := cn.read(ws)

		cn.mu.Lock()
		cn.ws = nil
		cn.mu.Unlock()

		if cn.ctx.Err() != nil {
			return
		}

		if time.Since(connectedAt) < cn.client.minUptime {
			failures++
		} else {
			failures = 0
		}

		cn.log.WithFields(logrus.Fields{"reason": reason, "attempt": failures}).Info("Payment channel disconnected")
		cn.broadcast(Event{Type: Disconnected, Reason: reason}, false)

		if failures >= cn.client.dialAttempts {
			cn.fail(errors.Errorf("payment channel keeps dropping: %s", reason))
			return
		}
	}
}

func (cn *conn) fail(err error) {
	cn.client.mu.Lock()
	cn.client.release(cn)
	cn.client.mu.Unlock()

	cn.broadcast(Event{Type: Failed, Reason: err.Error()}, false)
	cn.cancel()
}

func (cn *conn) read(ws *websocket.Conn) string {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	done := make(chan struct{})
	defer close(done)
	go cn.ping(ws, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err.Error()
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			cn.log.WithError(err).Warn("Couldn't decode payment channel message")
			continue
		}

		switch msg.Type {
		case TypePayment:
			cn.broadcast(Event{Type: PaymentResolved, Payment: msg.Payment}, true)
		case TypeHeartbeat:
		default:
			cn.log.WithField("type", msg.Type).Debug("Ignoring payment channel message")
		}
	}
}

func (cn *conn) ping(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

type subscription struct {
	id   string
	conn *conn

	// dispatch serializes callbacks so replayed and live events keep their order.
	dispatch sync.Mutex

	mu      sync.Mutex
	cb      func(Event)
	pending []Event
	closed  bool
}

func (s *subscription) OnEvent(cb func(Event)) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cb = cb
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ev := range pending {
		if s.isClosed() {
			return
		}
		cb(ev)
	}
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cb = nil
	s.pending = nil
	s.mu.Unlock()

	s.conn.unsubscribe(s.id)
	return nil
}

func (s *subscription) deliver(ev Event) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cb := s.cb
	if cb == nil {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	cb(ev)
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
