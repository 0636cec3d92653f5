package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// MaxBodyBytes bounds how much decoded response body the pipeline will hold
// in memory before giving up on capturing it (spec.md §4.7).
const MaxBodyBytes = 25 << 20 // 25 MB

// ErrTooLarge is returned by DecodeBody when the decoded body exceeds
// MaxBodyBytes.
var ErrTooLarge = errors.New("capture: response body exceeds size cap")

// IsJSONContentType reports whether a Content-Type header value indicates a
// JSON body, per spec.md §4.4 step 1: application/json, text/json, or any
// media type containing "json".
func IsJSONContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		return false
	}
	return strings.Contains(ct, "json")
}

// DecodeBody reads r fully, undoing the named Content-Encoding
// (identity/gzip/deflate/br), and enforces MaxBodyBytes on the decoded
// output. It consumes r until decoding stops, fails, or passes the cap, so
// the reader passed here is expected to be over a copy of the original bytes
// (Finalize passes one over the teed bytes), never the original body itself.
func DecodeBody(r io.Reader, encoding string) ([]byte, error) {
	decoded, err := decompress(r, encoding)
	if err != nil {
		return nil, err
	}
	limited := io.LimitReader(decoded, MaxBodyBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("capture: read decoded body: %w", err)
	}
	if len(buf) > MaxBodyBytes {
		return nil, ErrTooLarge
	}
	return buf, nil
}

func decompress(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("capture: gzip: %w", err)
		}
		return gr, nil
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("capture: deflate: %w", err)
		}
		return zr, nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		// Unknown encoding: treat as opaque bytes rather than failing capture
		// outright; JSON parsing will simply fail downstream if it really was
		// compressed with something we don't know.
		return r, nil
	}
}

// ParseJSON parses raw as a JSON value. It is the JSON-validity gate for
// whether a response produces a capture record (spec.md §4.7 step 3);
// Finalize checks the content type and the size cap before calling it.
func ParseJSON(raw []byte) (interface{}, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// RequestBody classifies a captured request body: parsed JSON if it is
// itself valid JSON, the raw string otherwise, or nil if empty.
func RequestBody(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	if v, ok := ParseJSON(raw); ok {
		return v
	}
	return string(raw)
}

// Outcome describes what the pipeline decided to do with one response.
type Outcome struct {
	Record  *Record
	Skipped bool
	Reason  string // human-readable, for operator logging only
}

// Finalize implements spec.md §4.7's contract end to end: it decides
// whether resp qualifies for capture and, if so, builds the Record.
// reqHeaders/reqBody are the outbound request's headers (proxy-only headers
// already stripped) and raw body bytes; respHeaders/rawRespBody are the
// response's headers and raw (still content-encoded) body bytes.
func Finalize(method, url string, reqHeaders http.Header, reqBody []byte, status int, respHeaders http.Header, rawRespBody []byte, arrived time.Time) Outcome {
	contentType := respHeaders.Get("Content-Type")
	if !IsJSONContentType(contentType) {
		return Outcome{Skipped: true, Reason: "response content-type is not JSON"}
	}

	decoded, err := DecodeBody(bytes.NewReader(rawRespBody), respHeaders.Get("Content-Encoding"))
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Outcome{Skipped: true, Reason: "response body exceeds 25MB cap"}
		}
		return Outcome{Skipped: true, Reason: "content-encoding decode failed: " + err.Error()}
	}

	body, ok := ParseJSON(decoded)
	if !ok {
		return Outcome{Skipped: true, Reason: "response body is not valid JSON"}
	}

	rec := &Record{
		Timestamp: arrived,
		Request: Exchange{
			URL:     url,
			Method:  method,
			Headers: headerMap(reqHeaders),
			Body:    RequestBody(reqBody),
		},
		Response: Response{
			StatusCode: status,
			Headers:    headerMap(respHeaders),
			Body:       body,
		},
	}
	return Outcome{Record: rec}
}

func headerMap(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
