package capture

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestIsJSONContentType(t *testing.T) {
	require.True(t, IsJSONContentType("application/json"))
	require.True(t, IsJSONContentType("application/json; charset=utf-8"))
	require.True(t, IsJSONContentType("text/json"))
	require.True(t, IsJSONContentType("application/vnd.api+json"))
	require.False(t, IsJSONContentType("text/plain"))
	require.False(t, IsJSONContentType(""))
}

func TestDecodeBodyGzipRoundTrip(t *testing.T) {
	raw := gzipBytes(t, `{"a":[1,2,3]}`)
	out, err := DecodeBody(bytes.NewReader(raw), "gzip")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":[1,2,3]}`, string(out))
}

func TestDecodeBodyBrotliRoundTrip(t *testing.T) {
	raw := brotliBytes(t, `{"ok":true}`)
	out, err := DecodeBody(bytes.NewReader(raw), "br")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(out))
}

func TestDecodeBodyIdentity(t *testing.T) {
	out, err := DecodeBody(bytes.NewReader([]byte(`{"x":1}`)), "")
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, string(out))
}

func TestDecodeBodyExceedsCap(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	_, err := DecodeBody(bytes.NewReader(big), "")
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeBodyExactlyAtCap(t *testing.T) {
	exact := bytes.Repeat([]byte("a"), MaxBodyBytes)
	out, err := DecodeBody(bytes.NewReader(exact), "")
	require.NoError(t, err)
	require.Len(t, out, MaxBodyBytes)
}

func TestFinalizeHappyPath(t *testing.T) {
	respHeaders := http.Header{"Content-Type": {"application/json"}}
	reqHeaders := http.Header{"Accept": {"application/json"}}

	o := Finalize("GET", "http://upstream.test/data", reqHeaders, nil, 200, respHeaders, []byte(`{"x":1}`), time.Now())
	require.False(t, o.Skipped)
	require.NotNil(t, o.Record)
	require.Equal(t, "http://upstream.test/data", o.Record.Request.URL)
	require.Equal(t, map[string]interface{}{"x": float64(1)}, o.Record.Response.Body)
}

func TestFinalizeNonJSONContentType(t *testing.T) {
	respHeaders := http.Header{"Content-Type": {"text/plain"}}
	o := Finalize("GET", "http://u/x", nil, nil, 200, respHeaders, []byte(`{"x":1}`), time.Now())
	require.True(t, o.Skipped)
	require.Nil(t, o.Record)
}

func TestFinalizeJSONContentTypeNonJSONBytes(t *testing.T) {
	respHeaders := http.Header{"Content-Type": {"application/json"}}
	o := Finalize("GET", "http://u/x", nil, nil, 200, respHeaders, []byte(`not json`), time.Now())
	require.True(t, o.Skipped)
	require.Nil(t, o.Record)
}

func TestFinalizeGzipJSON(t *testing.T) {
	respHeaders := http.Header{
		"Content-Type":     {"application/json"},
		"Content-Encoding": {"gzip"},
	}
	raw := gzipBytes(t, `{"a":[1,2,3]}`)
	o := Finalize("GET", "http://u/x", nil, nil, 200, respHeaders, raw, time.Now())
	require.False(t, o.Skipped)
	require.Equal(t, map[string]interface{}{"a": []interface{}{1.0, 2.0, 3.0}}, o.Record.Response.Body)
}

func TestFinalizeRequestBodyJSONVsRaw(t *testing.T) {
	respHeaders := http.Header{"Content-Type": {"application/json"}}

	jsonReq := Finalize("POST", "http://u/x", nil, []byte(`{"q":1}`), 200, respHeaders, []byte(`{}`), time.Now())
	require.Equal(t, map[string]interface{}{"q": float64(1)}, jsonReq.Record.Request.Body)

	textReq := Finalize("POST", "http://u/x", nil, []byte(`not-json`), 200, respHeaders, []byte(`{}`), time.Now())
	require.Equal(t, "not-json", textReq.Record.Request.Body)

	emptyReq := Finalize("GET", "http://u/x", nil, nil, 200, respHeaders, []byte(`{}`), time.Now())
	require.Nil(t, emptyReq.Record.Request.Body)
}

func TestFinalizeOversizeBody(t *testing.T) {
	respHeaders := http.Header{"Content-Type": {"application/json"}}
	big := append([]byte(`{"pad":"`), bytes.Repeat([]byte("a"), MaxBodyBytes)...)
	big = append(big, []byte(`"}`)...)
	o := Finalize("GET", "http://u/x", nil, nil, 200, respHeaders, big, time.Now())
	require.True(t, o.Skipped)
}
