package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pollhttp/pollhttp/internal/config"
	"github.com/pollhttp/pollhttp/internal/conn"
	"github.com/pollhttp/pollhttp/internal/protocol"
	"github.com/pollhttp/pollhttp/internal/transport"
)

func TestParseHeaderFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"single", []string{"Accept: application/json"}, map[string]string{"Accept": "application/json"}, false},
		{"no space", []string{"X-Token:abc"}, map[string]string{"X-Token": "abc"}, false},
		{"multiple", []string{"A: 1", "B: 2"}, map[string]string{"A": "1", "B": "2"}, false},
		{"empty value", []string{"X-Empty:"}, map[string]string{"X-Empty": ""}, false},
		{"missing colon", []string{"notaheader"}, nil, true},
		{"blank name", []string{": value"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHeaderFlags(tt.flags)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHeaderFlags: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("header %q = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestWithDefault(t *testing.T) {
	got := withDefault(nil, "Content-Type", "application/json")
	if got["Content-Type"] != "application/json" {
		t.Errorf("withDefault on nil map = %v", got)
	}

	got = withDefault(map[string]string{"content-type": "text/csv"}, "Content-Type", "application/json")
	if len(got) != 1 || got["content-type"] != "text/csv" {
		t.Errorf("withDefault overwrote existing header: %v", got)
	}
}

func TestNewClient_TickFallback(t *testing.T) {
	cfg := config.DefaultConfig()

	_, tick, err := newClient(cfg, true, 0)
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	if tick != cfg.Client.TickInterval {
		t.Errorf("tick = %v, want config default %v", tick, cfg.Client.TickInterval)
	}

	_, tick, err = newClient(cfg, true, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	if tick != 10*time.Millisecond {
		t.Errorf("tick = %v, want flag value 10ms", tick)
	}
}

func TestNewClient_BadTLSVersion(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TLS.MinVersion = "1.0"

	if _, _, err := newClient(cfg, true, 0); err == nil {
		t.Fatal("Expected error for unsupported tls version")
	}
}

func TestBuildLogger_File(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "pollhttp.log")

	cfg := config.DefaultConfig()
	cfg.Logging.File = logPath

	if _, err := buildLogger(cfg); err != nil {
		t.Fatalf("buildLogger: %v", err)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file not created: %v", err)
	}

	cfg.Logging.File = filepath.Join(tmpDir, "missing", "dir", "x.log")
	if _, err := buildLogger(cfg); err == nil {
		t.Error("Expected error for unwritable log path")
	}
}

// responseFeed serves one canned response to a polling connection.
type responseFeed struct {
	data []byte
}

func (h *responseFeed) Connect() error             { return nil }
func (h *responseFeed) Send(p []byte) (int, error) { return len(p), nil }
func (h *responseFeed) Close() error               { return nil }

func (h *responseFeed) Receive(buf []byte) (int, error) {
	if len(h.data) == 0 {
		return 0, transport.ErrWouldBlock
	}
	n := copy(buf, h.data)
	h.data = h.data[n:]
	return n, nil
}

func makeResponse(t *testing.T, raw string) *protocol.Response {
	t.Helper()
	cn, err := conn.New("example.test", 80, false, conn.Options{
		Dial: func(string, int) (transport.Handle, error) {
			return &responseFeed{data: []byte(raw)}, nil
		},
	})
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	resp := protocol.NewResponse(cn)
	for i := 0; i < 10 && !resp.Done(); i++ {
		if err := resp.Update(); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if !resp.Done() {
		t.Fatal("canned response did not complete")
	}
	return resp
}

func TestPrintResponse_Body(t *testing.T) {
	resp := makeResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	buf := &bytes.Buffer{}
	if err := printResponse(buf, resp, false, "http://example.test/", false, ""); err != nil {
		t.Fatalf("printResponse: %v", err)
	}
	if buf.String() != "hello" {
		t.Errorf("output = %q, want hello", buf.String())
	}
}

func TestPrintResponse_TaggedWithHeaders(t *testing.T) {
	resp := makeResponse(t, "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nContent-Length: 0\r\n\r\n")

	buf := &bytes.Buffer{}
	if err := printResponse(buf, resp, true, "http://example.test/x", true, ""); err != nil {
		t.Fatalf("printResponse: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "== http://example.test/x (404)") {
		t.Errorf("missing url tag in %q", out)
	}
	if !strings.Contains(out, "content-type: text/plain") {
		t.Errorf("missing headers in %q", out)
	}
}

func TestPrintResponse_OutputFile(t *testing.T) {
	resp := makeResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nbody")

	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "out.bin")

	buf := &bytes.Buffer{}
	if err := printResponse(buf, resp, false, "http://example.test/", false, outPath); err != nil {
		t.Fatalf("printResponse: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "body" {
		t.Errorf("file contents = %q, want body", data)
	}
	if buf.Len() != 0 {
		t.Errorf("body also written to stdout: %q", buf.String())
	}
}

func TestRunFetch_FlagConflict(t *testing.T) {
	resetRootGlobals()
	t.Cleanup(resetRootGlobals)

	fetchCmd.Flags().Set("data", "x")
	fetchCmd.Flags().Set("json", "{}")
	t.Cleanup(func() {
		fetchCmd.Flags().Set("data", "")
		fetchCmd.Flags().Set("json", "")
	})

	if err := runFetch(fetchCmd, []string{"http://example.test/"}); err == nil {
		t.Fatal("Expected error when -d and --json are combined")
	}
}
