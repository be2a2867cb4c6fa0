package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Request describes one HTTP exchange to issue through a Client.
type Request struct {
	// Method defaults to GET when empty.
	Method string

	// URL is the absolute request URL; the scheme decides TLS and the
	// default port (80 for http, 443 for https).
	URL string

	// Headers are sent verbatim. They override the generated defaults
	// (Host, Connection, Content-Length, Content-Type) by
	// case-insensitive name.
	Headers map[string]string

	// Params is merged into the URL query string. A string passes
	// through verbatim; a map serializes to key=value pairs joined with
	// "&" (string and numeric values only).
	Params any

	// Body is the request payload, sent with POST/PUT. A string is sent
	// as-is with a text/plain default content type; any other non-nil
	// value is JSON-encoded with an application/json default.
	Body any
}

// encodeBody renders the request payload. structured reports whether the
// payload went through the JSON encoder.
func encodeBody(body any) (data []byte, structured bool, err error) {
	switch b := body.(type) {
	case nil:
		return nil, false, nil
	case string:
		return []byte(b), false, nil
	case []byte:
		return b, false, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, false, fmt.Errorf("encode json body: %w", err)
		}
		return data, true, nil
	}
}

// mergeParams appends the request params to an existing query string.
// Map keys are serialized in sorted order so the produced request is
// deterministic.
func mergeParams(query string, params any) (string, error) {
	var extra string
	switch p := params.(type) {
	case nil:
		return query, nil
	case string:
		extra = p
	case map[string]string:
		pairs := make([]string, 0, len(p))
		for k, v := range p {
			pairs = append(pairs, k+"="+v)
		}
		sort.Strings(pairs)
		extra = strings.Join(pairs, "&")
	case map[string]any:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			v, err := paramValue(p[k])
			if err != nil {
				return "", fmt.Errorf("param %q: %w", k, err)
			}
			pairs = append(pairs, k+"="+v)
		}
		extra = strings.Join(pairs, "&")
	default:
		return "", fmt.Errorf("unsupported params type %T", params)
	}

	if extra == "" {
		return query, nil
	}
	if query == "" {
		return extra, nil
	}
	return query + "&" + extra, nil
}

// paramValue renders one map param value; only strings and numbers are
// accepted.
func paramValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
