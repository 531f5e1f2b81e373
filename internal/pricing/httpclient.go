package pricing

import (
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// clientConfig holds settings for the quote HTTP client.
type clientConfig struct {
	timeout      time.Duration
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	retryMax     int
}

// ClientOption configures the quote HTTP client.
type ClientOption func(*clientConfig)

// NewHTTPClient returns a retryablehttp.Client. Defaults: 5s timeout, 1s-5s
// retry wait, 2 retries.
func NewHTTPClient(opts ...ClientOption) *retryablehttp.Client {
	cfg := clientConfig{
		timeout:      5 * time.Second,
		retryWaitMin: 1 * time.Second,
		retryWaitMax: 5 * time.Second,
		retryMax:     2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.HTTPClient.Timeout = cfg.timeout
	client.RetryWaitMin = cfg.retryWaitMin
	client.RetryWaitMax = cfg.retryWaitMax
	client.RetryMax = cfg.retryMax
	return client
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

func WithRetryWait(min, max time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryWaitMin = min
		c.retryWaitMax = max
	}
}

func WithRetryMax(n int) ClientOption {
	return func(c *clientConfig) { c.retryMax = n }
}
