// Package protocol implements incremental HTTP/1.1 response parsing over
// a poll-driven connection. The parser accepts the byte stream in
// arbitrary-sized chunks and advances through status line, headers and
// body as the bytes allow, possibly crossing several stages in one tick.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pollhttp/pollhttp/internal/conn"
)

// ParseState is the parser's position in the response. It only moves
// forward: Status, Headers, Body, Done.
type ParseState uint8

// Parse states.
const (
	StateStatus ParseState = iota
	StateHeaders
	StateBody
	StateDone
)

// String returns the parse state name.
func (s ParseState) String() string {
	switch s {
	case StateStatus:
		return "STATUS"
	case StateHeaders:
		return "HEADERS"
	case StateBody:
		return "BODY"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// ErrConnectionClosed is reported when the connection terminates before
// the response is complete and no more specific failure was recorded.
var ErrConnectionClosed = errors.New("connection closed")

// fallbackStatus is assumed when the status line does not match the
// HTTP-version/3-digit-code shape. Such a response parses as a 200
// rather than failing.
const fallbackStatus = 200

// Response incrementally parses one HTTP/1.1 response from a connection.
// It holds a non-owning reference to the connection it reads from.
type Response struct {
	conn  *conn.Conn
	state ParseState

	status  int
	headers map[string]string
	body    []byte

	pending []byte

	contentLength  int
	hasLength      bool
	lengthResolved bool
	bodyRead       int
}

// NewResponse binds a parser to its byte source.
func NewResponse(c *conn.Conn) *Response {
	return &Response{
		conn:    c,
		state:   StateStatus,
		headers: make(map[string]string),
	}
}

// Update runs one poll step: it advances the connection, pulls and
// consumes whatever bytes arrived, and parses as far as they reach. The
// returned error is non-nil only when the connection closed before the
// response completed; otherwise callers inspect Done.
func (r *Response) Update() error {
	if r.state == StateDone {
		return nil
	}

	r.conn.Update()

	if data := r.conn.Data(); len(data) > 0 {
		r.pending = append(r.pending, data...)
		r.conn.Consume(len(data))
	}

	r.parse()

	if r.state != StateDone && r.conn.Closed() {
		if err := r.conn.Err(); err != nil {
			return err
		}
		return ErrConnectionClosed
	}
	return nil
}

// parse advances through as many stages as the pending bytes allow.
func (r *Response) parse() {
	for {
		switch r.state {
		case StateStatus:
			if !r.parseStatus() {
				return
			}
		case StateHeaders:
			if !r.parseHeaders() {
				return
			}
		case StateBody:
			r.parseBody()
			return
		case StateDone:
			return
		}
	}
}

// parseStatus waits for the CRLF-terminated status line. A line that does
// not match `HTTP/<ver> <code>` falls back to status 200.
func (r *Response) parseStatus() bool {
	line, ok := r.takeLine()
	if !ok {
		return false
	}

	if code, ok := parseStatusLine(line); ok {
		r.status = code
	} else {
		r.status = fallbackStatus
	}
	r.state = StateHeaders
	return true
}

// parseHeaders consumes header lines until the blank line ending the
// section. Names are lowercased; a repeated name has its values joined
// with ", ". Lines without a colon are skipped.
func (r *Response) parseHeaders() bool {
	for {
		line, ok := r.takeLine()
		if !ok {
			return false
		}
		if line == "" {
			r.state = StateBody
			return true
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.ToLower(line[:idx])
		value := strings.TrimLeft(line[idx+1:], " \t")
		if prev, exists := r.headers[name]; exists {
			r.headers[name] = prev + ", " + value
		} else {
			r.headers[name] = value
		}
	}
}

// parseBody moves pending bytes into the body. With a known
// content-length the body is capped at exactly that many bytes and the
// parser finishes there; anything beyond stays unconsumed. Without one
// there is no termination condition at this layer and the response never
// reaches Done.
func (r *Response) parseBody() {
	if !r.lengthResolved {
		r.lengthResolved = true
		if v, ok := r.headers["content-length"]; ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				r.contentLength = n
				r.hasLength = true
			}
		}
	}

	if !r.hasLength {
		if len(r.pending) > 0 {
			r.body = append(r.body, r.pending...)
			r.pending = r.pending[:0]
		}
		return
	}

	need := r.contentLength - r.bodyRead
	if need > 0 && len(r.pending) > 0 {
		take := min(need, len(r.pending))
		r.body = append(r.body, r.pending[:take]...)
		r.pending = r.pending[take:]
		r.bodyRead += take
	}
	if r.bodyRead >= r.contentLength {
		r.state = StateDone
	}
}

// takeLine extracts one CRLF-terminated line from the pending bytes.
func (r *Response) takeLine() (string, bool) {
	idx := bytes.Index(r.pending, []byte("\r\n"))
	if idx < 0 {
		return "", false
	}
	line := string(r.pending[:idx])
	r.pending = r.pending[idx+2:]
	return line, true
}

func parseStatusLine(line string) (int, bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, false
	}
	if len(parts[1]) != 3 {
		return 0, false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// Done reports whether the full response has been parsed.
func (r *Response) Done() bool { return r.state == StateDone }

// State returns the current parse state.
func (r *Response) State() ParseState { return r.state }

// StatusCode returns the parsed status code, zero before the status line
// has been seen.
func (r *Response) StatusCode() int { return r.status }

// Header returns the value of a header by case-insensitive name.
func (r *Response) Header(name string) (string, bool) {
	v, ok := r.headers[strings.ToLower(name)]
	return v, ok
}

// Headers returns the parsed header map, keyed by lowercased name.
func (r *Response) Headers() map[string]string { return r.headers }

// Body returns the accumulated body bytes.
func (r *Response) Body() []byte { return r.body }

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.body) }

// ContentLength returns the declared body length and whether one was
// present.
func (r *Response) ContentLength() (int, bool) {
	return r.contentLength, r.hasLength
}

// JSON decodes the body into v on demand. Decode failures stay local to
// this accessor; they never affect the connection or parse lifecycle.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decode json body: %w", err)
	}
	return nil
}

// Conn returns the connection this response reads from.
func (r *Response) Conn() *conn.Conn { return r.conn }
