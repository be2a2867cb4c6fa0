package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pollhttp/pollhttp/internal/conn"
	"github.com/pollhttp/pollhttp/internal/transport"
)

// feedHandle is a transport.Handle that serves scripted receive chunks,
// one per poll, then an optional terminal result.
type feedHandle struct {
	chunks   [][]byte
	finalErr error
}

func (h *feedHandle) Connect() error { return nil }

func (h *feedHandle) Send(p []byte) (int, error) { return len(p), nil }

func (h *feedHandle) Receive(buf []byte) (int, error) {
	if len(h.chunks) == 0 {
		if h.finalErr != nil {
			return 0, h.finalErr
		}
		return 0, transport.ErrWouldBlock
	}
	chunk := h.chunks[0]
	h.chunks = h.chunks[1:]
	return copy(buf, chunk), nil
}

func (h *feedHandle) Close() error { return nil }

func newTestResponse(t *testing.T, h transport.Handle) (*Response, *conn.Conn) {
	t.Helper()
	cn, err := conn.New("example.test", 80, false, conn.Options{
		Dial: func(string, int) (transport.Handle, error) { return h, nil },
	})
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	return NewResponse(cn), cn
}

// pump polls the response until done, error, or the tick budget runs out.
func pump(t *testing.T, r *Response, ticks int) error {
	t.Helper()
	for i := 0; i < ticks; i++ {
		if err := r.Update(); err != nil {
			return err
		}
		if r.Done() {
			return nil
		}
	}
	return nil
}

func chunksOf(s string, size int) [][]byte {
	var chunks [][]byte
	for len(s) > 0 {
		n := size
		if n > len(s) {
			n = len(s)
		}
		chunks = append(chunks, []byte(s[:n]))
		s = s[n:]
	}
	return chunks
}

func TestResponse_SingleChunk(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
	r, _ := newTestResponse(t, &feedHandle{chunks: [][]byte{[]byte(raw)}})

	if err := pump(t, r, 10); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !r.Done() {
		t.Fatal("response not done")
	}
	if r.StatusCode() != 200 {
		t.Errorf("StatusCode = %d, want 200", r.StatusCode())
	}
	if ct, _ := r.Header("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if r.Text() != "hello" {
		t.Errorf("body = %q, want hello", r.Text())
	}
	if n, ok := r.ContentLength(); !ok || n != 5 {
		t.Errorf("ContentLength = %d,%v, want 5,true", n, ok)
	}
}

func TestResponse_ArbitraryChunking(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\nX-Reason: missing\r\nContent-Length: 9\r\n\r\nnot found"

	for _, size := range []int{1, 2, 3, 7, 16, len(raw)} {
		t.Run(fmt.Sprintf("size %d", size), func(t *testing.T) {
			r, _ := newTestResponse(t, &feedHandle{chunks: chunksOf(raw, size)})

			last := r.State()
			for i := 0; i < len(raw)+5 && !r.Done(); i++ {
				if err := r.Update(); err != nil {
					t.Fatalf("Update: %v", err)
				}
				if r.State() < last {
					t.Fatalf("parse state went backward: %v -> %v", last, r.State())
				}
				last = r.State()
			}

			if !r.Done() {
				t.Fatal("response not done")
			}
			if r.StatusCode() != 404 {
				t.Errorf("StatusCode = %d, want 404", r.StatusCode())
			}
			if v, _ := r.Header("x-reason"); v != "missing" {
				t.Errorf("x-reason = %q, want missing", v)
			}
			if r.Text() != "not found" {
				t.Errorf("body = %q, want %q", r.Text(), "not found")
			}
		})
	}
}

func TestResponse_DuplicateHeadersMerge(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-A: 1\r\nX-A: 2\r\nContent-Length: 0\r\n\r\n"
	r, _ := newTestResponse(t, &feedHandle{chunks: [][]byte{[]byte(raw)}})

	if err := pump(t, r, 5); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v, _ := r.Header("X-A"); v != "1, 2" {
		t.Errorf("X-A = %q, want %q", v, "1, 2")
	}
}

func TestResponse_HeaderNormalization(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-Mixed-CASE:   padded value\r\nnonsense line without colon\r\nContent-Length: 0\r\n\r\n"
	r, _ := newTestResponse(t, &feedHandle{chunks: [][]byte{[]byte(raw)}})

	if err := pump(t, r, 5); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v, ok := r.Headers()["x-mixed-case"]; !ok || v != "padded value" {
		t.Errorf("x-mixed-case = %q,%v, want %q,true", v, ok, "padded value")
	}
	if !r.Done() {
		t.Error("colonless line prevented completion")
	}
}

func TestResponse_MalformedStatusLineFallsBackTo200(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"garbage", "ICMP ECHO NOES"},
		{"short code", "HTTP/1.1 20 OK"},
		{"alpha code", "HTTP/1.1 abc OK"},
		{"missing code", "HTTP/1.1"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.line + "\r\nContent-Length: 2\r\n\r\nok"
			r, _ := newTestResponse(t, &feedHandle{chunks: [][]byte{[]byte(raw)}})

			if err := pump(t, r, 5); err != nil {
				t.Fatalf("Update: %v", err)
			}
			if r.StatusCode() != 200 {
				t.Errorf("StatusCode = %d, want fallback 200", r.StatusCode())
			}
			if r.Text() != "ok" {
				t.Errorf("body = %q, want ok", r.Text())
			}
		})
	}
}

func TestResponse_ExactLengthTruncation(t *testing.T) {
	// Content-Length 2 with more body bytes on the wire: the response is
	// done after "he" and the rest stays unconsumed.
	r, cn := newTestResponse(t, &feedHandle{chunks: [][]byte{
		[]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhe"),
		[]byte("llo"),
	}})

	if err := pump(t, r, 3); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !r.Done() {
		t.Fatal("response not done after declared length")
	}
	if r.Text() != "he" {
		t.Errorf("body = %q, want %q", r.Text(), "he")
	}

	// Later ticks must not grow the body.
	for i := 0; i < 3; i++ {
		if err := r.Update(); err != nil {
			t.Fatalf("Update after done: %v", err)
		}
		cn.Update()
	}
	if r.Text() != "he" {
		t.Errorf("body grew after done: %q", r.Text())
	}
	if got := string(cn.Data()); got != "llo" && got != "" {
		t.Errorf("unexpected receive buffer contents %q", got)
	}
}

func TestResponse_ZeroContentLength(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"
	r, _ := newTestResponse(t, &feedHandle{chunks: [][]byte{[]byte(raw)}})

	if err := pump(t, r, 5); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !r.Done() {
		t.Fatal("zero-length body should complete immediately after headers")
	}
	if len(r.Body()) != 0 {
		t.Errorf("body = %q, want empty", r.Body())
	}
}

func TestResponse_NoContentLengthNeverDone(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nServer: x\r\n\r\nsome body"
	r, _ := newTestResponse(t, &feedHandle{chunks: [][]byte{[]byte(raw)}})

	for i := 0; i < 10; i++ {
		if err := r.Update(); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if r.Done() {
		t.Fatal("response without content-length must not reach done")
	}
	if r.State() != StateBody {
		t.Errorf("state = %v, want BODY", r.State())
	}
	if r.Text() != "some body" {
		t.Errorf("body = %q, want %q", r.Text(), "some body")
	}
}

func TestResponse_ConnectionClosedMidParse(t *testing.T) {
	t.Run("peer closed", func(t *testing.T) {
		raw := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial"
		r, _ := newTestResponse(t, &feedHandle{
			chunks:   [][]byte{[]byte(raw)},
			finalErr: transport.ErrPeerClosed,
		})

		var err error
		for i := 0; i < 10 && err == nil; i++ {
			err = r.Update()
		}
		if err == nil {
			t.Fatal("no error after connection closed before done")
		}
		if !errors.Is(err, transport.ErrPeerClosed) {
			t.Errorf("err = %v, want ErrPeerClosed", err)
		}
		if r.Done() {
			t.Error("truncated response must not be done")
		}
	})

	t.Run("explicit close", func(t *testing.T) {
		r, cn := newTestResponse(t, &feedHandle{})
		cn.Update() // -> READY
		cn.Close()

		err := r.Update()
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("err = %v, want ErrConnectionClosed", err)
		}
	})
}

func TestResponse_CloseAfterDoneIsNotAnError(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	r, cn := newTestResponse(t, &feedHandle{
		chunks:   [][]byte{[]byte(raw)},
		finalErr: transport.ErrPeerClosed,
	})

	if err := pump(t, r, 5); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !r.Done() {
		t.Fatal("response not done")
	}

	cn.Close()
	if err := r.Update(); err != nil {
		t.Errorf("Update after done returned %v", err)
	}
}

func TestResponse_JSON(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 13\r\n\r\n{\"name\":\"go\"}"
	r, _ := newTestResponse(t, &feedHandle{chunks: [][]byte{[]byte(raw)}})

	if err := pump(t, r, 5); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var v struct {
		Name string `json:"name"`
	}
	if err := r.JSON(&v); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if v.Name != "go" {
		t.Errorf("decoded name = %q, want go", v.Name)
	}
}

func TestResponse_JSONDecodeErrorIsLocal(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 8\r\n\r\nnot json"
	r, _ := newTestResponse(t, &feedHandle{chunks: [][]byte{[]byte(raw)}})

	if err := pump(t, r, 5); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var v map[string]any
	if err := r.JSON(&v); err == nil {
		t.Fatal("JSON on non-json body did not fail")
	}
	if !r.Done() {
		t.Error("decode failure affected parse state")
	}
	if err := r.Update(); err != nil {
		t.Errorf("decode failure affected lifecycle: %v", err)
	}
}

func TestParseState_String(t *testing.T) {
	tests := []struct {
		state ParseState
		want  string
	}{
		{StateStatus, "STATUS"},
		{StateHeaders, "HEADERS"},
		{StateBody, "BODY"},
		{StateDone, "DONE"},
		{ParseState(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ParseState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
