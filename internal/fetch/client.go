// Package fetch issues upstream requests on behalf of intercepted clients.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Fetcher performs a network request.
// A returned error means no response was received at all.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Client is a Fetcher that retries transport failures of idempotent requests
type Client struct {
	client *retryablehttp.Client
}

// hop-by-hop and proxy headers that must not be forwarded upstream
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NewClient creates a Client with the given per-attempt timeout and retry count.
// Redirects are returned as-is and never followed, so intercepted clients see them.
func NewClient(timeout time.Duration, retryMax int) *Client {
	return newClient(&http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, retryMax)
}

// NewFollowingClient is NewClient for fetches the proxy makes on its own behalf.
// Redirects are followed and the final response is returned.
func NewFollowingClient(timeout time.Duration, retryMax int) *Client {
	return newClient(&http.Client{Timeout: timeout}, retryMax)
}

func newClient(httpClient *http.Client, retryMax int) *Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = retryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = retryTransportErrors
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logrusLogger{}

	return &Client{client: client}
}

// retryTransportErrors retries only when no response came back.
// Any HTTP status is a network success and goes straight to the caller.
func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// idempotent reports whether a request can be sent again after a transport
// error without risking a second side effect upstream
func idempotent(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Fetch sends req upstream. req may be a server-side request (as received by the proxy).
// Only idempotent requests are retried; anything else is sent exactly once.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	outReq := req.Clone(ctx)
	outReq.RequestURI = ""
	for _, h := range hopHeaders {
		outReq.Header.Del(h)
	}

	var resp *http.Response
	var err error
	if idempotent(outReq.Method) {
		var retryReq *retryablehttp.Request
		retryReq, err = retryablehttp.FromRequest(outReq)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare request for %s: %w", req.URL, err)
		}
		resp, err = c.client.Do(retryReq)
	} else {
		resp, err = c.client.HTTPClient.Do(outReq)
	}
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	}
	return resp, nil
}

// logrusLogger adapts logrus to retryablehttp.LeveledLogger
type logrusLogger struct{}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

func (logrusLogger) Error(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Error(msg)
}

func (logrusLogger) Info(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Debug(msg)
}

func (logrusLogger) Debug(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Trace(msg)
}

func (logrusLogger) Warn(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Warn(msg)
}
