package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pollhttp/pollhttp/internal/client"
	"github.com/pollhttp/pollhttp/internal/config"
	"github.com/pollhttp/pollhttp/internal/obs"
	"github.com/pollhttp/pollhttp/internal/protocol"
	"github.com/pollhttp/pollhttp/internal/transport"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>...",
	Short: "Fetch one or more URLs",
	Long: `Fetch issues a request per URL through one polling client and drives
the tick loop until every request has completed or failed.

Examples:
  # Simple GET
  pollhttp fetch http://example.com/

  # Several URLs in flight at once
  pollhttp fetch http://a.example/ http://b.example/

  # POST a string body
  pollhttp fetch -X POST -d 'hello' http://example.com/submit

  # POST JSON with extra query parameters
  pollhttp fetch -X POST --json '{"k":1}' -q page=2 http://example.com/api

  # Custom headers, body to file
  pollhttp fetch -H 'Accept: application/json' -o out.bin http://example.com/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringP("method", "X", "GET", "HTTP method")
	fetchCmd.Flags().StringArrayP("header", "H", nil, "request header 'Name: Value' (repeatable)")
	fetchCmd.Flags().StringP("data", "d", "", "request body sent verbatim")
	fetchCmd.Flags().String("json", "", "request body sent as application/json")
	fetchCmd.Flags().StringArrayP("query", "q", nil, "extra query parameter key=value (repeatable)")
	fetchCmd.Flags().StringP("output", "o", "", "write body to file instead of stdout")
	fetchCmd.Flags().Bool("headers", false, "print response headers")
	fetchCmd.Flags().Bool("insecure", true, "skip TLS certificate verification")
	fetchCmd.Flags().Duration("tick", 0, "tick interval (default from config)")
}

func runFetch(cmd *cobra.Command, args []string) error {
	method, _ := cmd.Flags().GetString("method")
	headerFlags, _ := cmd.Flags().GetStringArray("header")
	data, _ := cmd.Flags().GetString("data")
	jsonBody, _ := cmd.Flags().GetString("json")
	queryFlags, _ := cmd.Flags().GetStringArray("query")
	output, _ := cmd.Flags().GetString("output")
	showHeaders, _ := cmd.Flags().GetBool("headers")
	insecure, _ := cmd.Flags().GetBool("insecure")
	tick, _ := cmd.Flags().GetDuration("tick")

	if data != "" && jsonBody != "" {
		return fmt.Errorf("-d and --json are mutually exclusive")
	}

	headers, err := parseHeaderFlags(headerFlags)
	if err != nil {
		return err
	}
	params := strings.Join(queryFlags, "&")

	var body any
	if data != "" {
		body = data
	} else if jsonBody != "" {
		// Already-encoded JSON is sent verbatim, just with the JSON
		// content type.
		body = jsonBody
		headers = withDefault(headers, "Content-Type", "application/json")
	}

	cfg := GetConfig()
	cl, tickInterval, err := newClient(cfg, insecure, tick)
	if err != nil {
		return err
	}

	type result struct {
		url  string
		resp *protocol.Response
		err  error
	}
	results := make([]*result, 0, len(args))

	send := func(url string) {
		res := &result{url: url}
		results = append(results, res)

		_, err := cl.Send(&client.Request{
			Method:  method,
			URL:     url,
			Headers: headers,
			Params:  params,
			Body:    body,
		}, func(resp *protocol.Response, err error) {
			res.resp = resp
			res.err = err
		})
		if err != nil {
			res.err = err
		}
	}

	queue := args
	maxInFlight := cfg.Client.MaxInFlight

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for len(queue) > 0 || cl.Pending() > 0 {
		for len(queue) > 0 && (maxInFlight <= 0 || cl.Pending() < maxInFlight) {
			send(queue[0])
			queue = queue[1:]
		}
		<-ticker.C
		cl.Update()
	}

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", res.url, res.err)
			continue
		}
		if err := printResponse(cmd.OutOrStdout(), res.resp, len(results) > 1, res.url, showHeaders, output); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(results))
	}
	return nil
}

// newClient builds the polling client from configuration plus the fetch
// flags, returning the tick interval the loop should use.
func newClient(cfg *config.Config, insecure bool, tick time.Duration) (*client.Client, time.Duration, error) {
	minVersion, err := cfg.TLS.MinVersionNum()
	if err != nil {
		return nil, 0, err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, 0, err
	}

	if tick <= 0 {
		tick = cfg.Client.TickInterval
	}
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}

	cl := client.New(
		client.WithLogger(logger),
		client.WithChunkSize(cfg.Client.ChunkSize),
		client.WithTLSConfig(transport.Config{
			InsecureSkipVerify: insecure || cfg.TLS.InsecureSkipVerify,
			MinVersion:         minVersion,
		}),
	)
	return cl, tick, nil
}

// buildLogger wires the diagnostic sink from the logging config.
func buildLogger(cfg *config.Config) (obs.Logger, error) {
	out := io.Writer(os.Stderr)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	return obs.NewStdLogger(out, obs.ParseLevel(cfg.Logging.Level)), nil
}

// parseHeaderFlags splits repeated -H 'Name: Value' flags into a map.
func parseHeaderFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: Value'", f)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func withDefault(headers map[string]string, name, value string) map[string]string {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return headers
		}
	}
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[name] = value
	return headers
}

// printResponse writes one response, tagging the URL when several were
// requested.
func printResponse(w io.Writer, resp *protocol.Response, tag bool, url string, showHeaders bool, output string) error {
	if tag {
		fmt.Fprintf(w, "== %s (%d)\n", url, resp.StatusCode())
	}

	if showHeaders {
		names := make([]string, 0, len(resp.Headers()))
		for name := range resp.Headers() {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, _ := resp.Header(name)
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
		fmt.Fprintln(w)
	}

	if output != "" {
		if err := os.WriteFile(output, resp.Body(), 0o644); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
		return nil
	}
	_, err := w.Write(resp.Body())
	return err
}
