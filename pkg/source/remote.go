package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/realitymesh/realitymesh/pkg/logger"
)

const (
	defaultRetryMax       = 3
	defaultRequestTimeout = 30 * time.Second
)

// RemoteFetcher issues HTTP GETs, retrying connection errors and 5xx
// responses with exponential backoff. Every attempt is traced.
type RemoteFetcher struct {
	client *retryablehttp.Client
}

var _ Fetcher = (*RemoteFetcher)(nil)

func NewRemoteFetcher(retryMax int, requestTimeout time.Duration, l logger.Logger) *RemoteFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = requestTimeout
	client.HTTPClient.Transport = otelhttp.NewTransport(client.HTTPClient.Transport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "source.RemoteFetch " + r.URL.Path
		}),
	)
	client.Logger = logger.NewRetryableHTTPLogger(l)

	return &RemoteFetcher{client: client}
}

func (r *RemoteFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", key, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("get %s: unexpected status %s", key, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", key, err)
	}
	return data, nil
}
