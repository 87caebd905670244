package fetch

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Type describes how much of a response the requesting page may inspect
type Type string

const (
	// TypeBasic is a same-origin response
	TypeBasic Type = "basic"
	// TypeCORS is a cross-origin response the origin explicitly shared
	TypeCORS Type = "cors"
	// TypeOpaque is any other cross-origin response
	TypeOpaque Type = "opaque"
)

// Classify returns the type of resp, received for req, as seen from a page at scope
func Classify(scope *url.URL, req *http.Request, resp *http.Response) Type {
	if SameOrigin(scope, req.URL) {
		return TypeBasic
	}

	origin := req.Header.Get("Origin")
	allowed := resp.Header.Get("Access-Control-Allow-Origin")
	if origin != "" && (allowed == "*" || allowed == origin) {
		return TypeCORS
	}
	return TypeOpaque
}

// SameOrigin compares scheme, host and effective port
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// OK reports a 2xx status
func OK(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// Duplicate reads the body of resp once and returns a second response with the
// same status, a copy of the headers and its own reader over the same bytes.
// resp gets a fresh reader too, so both can be consumed independently.
func Duplicate(resp *http.Response) (*http.Response, error) {
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	dup := *resp
	dup.Header = resp.Header.Clone()
	dup.Trailer = resp.Trailer.Clone()
	dup.Body = io.NopCloser(bytes.NewReader(body))
	return &dup, nil
}

// Buffer replaces the streaming body of resp with an in-memory copy
func Buffer(resp *http.Response) error {
	_, err := readBody(resp)
	return err
}

func readBody(resp *http.Response) ([]byte, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return body, nil
}

// NewTextResponse synthesizes a 200 text/plain response for req
func NewTextResponse(req *http.Request, text string) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(text)),
		ContentLength: int64(len(text)),
		Request:       req,
	}
}
