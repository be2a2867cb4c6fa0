// Package client ties the pieces together: it builds a connection and
// response parser per request, serializes the HTTP/1.1 request onto the
// connection's send queue, and drives every pending request one step per
// polling tick, delivering each callback at most once.
package client

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/pollhttp/pollhttp/internal/conn"
	"github.com/pollhttp/pollhttp/internal/obs"
	"github.com/pollhttp/pollhttp/internal/protocol"
	"github.com/pollhttp/pollhttp/internal/transport"
)

// ErrInvalidURL marks request URLs that cannot be resolved to a target,
// most importantly URLs without a host.
var ErrInvalidURL = errors.New("invalid url")

// Callback receives the completed response or the failure that ended the
// request. Exactly one of the two is non-nil, and it fires at most once.
type Callback func(*protocol.Response, error)

// entry is one pending request tracked until terminal.
type entry struct {
	resp *protocol.Response
	cb   Callback
}

// Client issues poll-driven HTTP requests. It is not safe for concurrent
// use; the host serializes Send and Update on one goroutine, which is
// what makes at-most-once dispatch free of locking.
type Client struct {
	pending []*entry

	log   obs.Logger
	meter obs.Meter

	chunkSize int
	tlsCfg    transport.Config
	dial      conn.DialFunc
	wrap      conn.WrapFunc
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the diagnostic sink for recovered callback failures.
func WithLogger(l obs.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMeter sets the counter sink.
func WithMeter(m obs.Meter) Option {
	return func(c *Client) { c.meter = m }
}

// WithChunkSize bounds one receive attempt per connection per tick.
func WithChunkSize(n int) Option {
	return func(c *Client) { c.chunkSize = n }
}

// WithTLSConfig sets the negotiation parameters for https requests. The
// ServerName is filled per request from the target host.
func WithTLSConfig(cfg transport.Config) Option {
	return func(c *Client) { c.tlsCfg = cfg }
}

// WithDialFunc injects the transport dialer; used by tests.
func WithDialFunc(d conn.DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithWrapFunc injects the TLS wrapper; used by tests.
func WithWrapFunc(w conn.WrapFunc) Option {
	return func(c *Client) { c.wrap = w }
}

// New creates a Client. Certificate verification is off by default;
// override with WithTLSConfig.
func New(opts ...Option) *Client {
	c := &Client{
		log:       obs.NopLogger{},
		meter:     obs.NopMeter{},
		chunkSize: conn.DefaultChunkSize,
		tlsCfg:    transport.Config{InsecureSkipVerify: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// target is a resolved request destination.
type target struct {
	host   string
	port   int
	path   string
	query  string
	useTLS bool
}

// Send resolves, serializes and enqueues one request. With a callback the
// request is registered for dispatch from Update; without one the caller
// polls the returned response directly. A connection construction failure
// is returned and, when a callback was supplied, also delivered through
// it immediately.
func (c *Client) Send(req *Request, cb Callback) (*protocol.Response, error) {
	t, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	body, structured, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	tlsCfg := c.tlsCfg
	tlsCfg.ServerName = t.host

	cn, err := conn.New(t.host, t.port, t.useTLS, conn.Options{
		ChunkSize: c.chunkSize,
		TLS:       tlsCfg,
		Dial:      c.dial,
		Wrap:      c.wrap,
	})
	if err != nil {
		c.meter.Counter("requests_failed", 1)
		if cb != nil {
			c.invoke(cb, nil, err)
		}
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	cn.Send([]byte(requestLine(method, t)))
	cn.Send(headerBlock(req, t, method, len(body), structured))
	if len(body) > 0 {
		cn.Send(body)
	}

	resp := protocol.NewResponse(cn)
	if cb != nil {
		c.pending = append(c.pending, &entry{resp: resp, cb: cb})
	}
	c.meter.Counter("requests_started", 1)
	return resp, nil
}

// resolve breaks the request URL into a target, merging extra params into
// the query string.
func (c *Client) resolve(req *Request) (*target, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, req.URL)
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		host = ascii
	}

	scheme := strings.ToLower(u.Scheme)
	useTLS := scheme == "https"

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 {
			return nil, fmt.Errorf("%w: bad port in %q", ErrInvalidURL, req.URL)
		}
	}
	if port == 0 {
		if useTLS {
			port = 443
		} else {
			port = 80
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	query, err := mergeParams(u.RawQuery, req.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	return &target{host: host, port: port, path: path, query: query, useTLS: useTLS}, nil
}

func requestLine(method string, t *target) string {
	if t.query != "" {
		return method + " " + t.path + "?" + t.query + " HTTP/1.1\r\n"
	}
	return method + " " + t.path + " HTTP/1.1\r\n"
}

// headerBlock renders the header section, blank line included. Generated
// defaults yield to user headers of the same (case-insensitive) name;
// user headers follow in sorted order for a deterministic wire image.
func headerBlock(req *Request, t *target, method string, bodyLen int, structured bool) []byte {
	has := func(name string) bool {
		for k := range req.Headers {
			if strings.EqualFold(k, name) {
				return true
			}
		}
		return false
	}

	var b strings.Builder
	writeHeader := func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	if !has("Host") {
		writeHeader("Host", t.host)
	}
	if !has("Connection") {
		writeHeader("Connection", "close")
	}
	if bodyLen > 0 && (method == "POST" || method == "PUT") {
		if !has("Content-Length") {
			writeHeader("Content-Length", strconv.Itoa(bodyLen))
		}
		if !has("Content-Type") {
			if structured {
				writeHeader("Content-Type", "application/json")
			} else {
				writeHeader("Content-Type", "text/plain")
			}
		}
	}

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeHeader(name, req.Headers[name])
	}

	b.WriteString("\r\n")
	return []byte(b.String())
}

// Update runs one polling tick over the pending set. Iteration is
// removal-safe: finished entries are compacted out in the same pass their
// callback fires, so an entry can never fire twice.
func (c *Client) Update() {
	if len(c.pending) == 0 {
		return
	}

	kept := c.pending[:0]
	for _, e := range c.pending {
		if c.step(e) {
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(c.pending); i++ {
		c.pending[i] = nil
	}
	c.pending = kept
}

// step advances one entry and reports whether it reached a terminal state
// and was dispatched.
func (c *Client) step(e *entry) bool {
	resp := e.resp
	cn := resp.Conn()

	if !resp.Done() && !cn.Closed() {
		if err := resp.Update(); err != nil {
			c.finish(e, nil, err)
			return true
		}
	}

	if resp.Done() {
		c.finish(e, resp, nil)
		return true
	}

	if cn.Closed() {
		err := cn.Err()
		if err == nil {
			err = protocol.ErrConnectionClosed
		}
		c.finish(e, nil, err)
		return true
	}

	return false
}

// finish records the terminal counters for an entry and dispatches its
// callback.
func (c *Client) finish(e *entry, resp *protocol.Response, err error) {
	cn := e.resp.Conn()
	c.meter.Counter("bytes_sent", float64(cn.BytesSent()))
	c.meter.Counter("bytes_received", float64(cn.BytesReceived()))
	if err != nil {
		c.meter.Counter("requests_failed", 1)
	} else {
		c.meter.Counter("requests_completed", 1)
	}
	c.invoke(e.cb, resp, err)
}

// invoke dispatches a callback, containing any panic it raises. A failing
// consumer is reported to the diagnostic sink and never stops the rest of
// the tick.
func (c *Client) invoke(cb Callback, resp *protocol.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Logf(obs.Error, "request callback panicked: %v", p)
		}
	}()
	cb(resp, err)
}

// Pending returns how many requests are still awaiting dispatch.
func (c *Client) Pending() int { return len(c.pending) }
