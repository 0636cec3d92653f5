// Package capture holds the capture record type, the bounded FIFO buffer
// that stores them, and the pipeline that turns a decoded response body
// into a record.
package capture

import "time"

// Exchange is the request half of a capture record.
type Exchange struct {
	URL     string              `json:"url"`
	Method  string              `json:"method"`
	Headers map[string][]string `json:"headers"`
	Body    interface{}         `json:"body"`
}

// Response is the response half of a capture record.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       interface{}         `json:"body"`
}

// Record is one observed request/response exchange. Ordinal is assigned by
// the buffer at insert time, not here.
type Record struct {
	Ordinal   int64     `json:"ordinal"`
	Timestamp time.Time `json:"timestamp"`
	Request   Exchange  `json:"request"`
	Response  Response  `json:"response"`

	// Optional timing/connection detail, additive to the spec's core schema
	// (SPEC_FULL.md [ADD 3a]); never affects capture-triggering invariants.
	DurationMs int64  `json:"duration_ms,omitempty"`
	ServerAddr string `json:"server_addr,omitempty"`
	ReusedConn bool   `json:"reused_conn,omitempty"`
	HTTP2      bool   `json:"h2,omitempty"`
}
