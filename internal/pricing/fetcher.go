package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the CoinGecko v3 API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

const maxBodyBytes = 1 << 20

// ErrMalformedQuote is returned when the API answer carries no usable price.
var ErrMalformedQuote = errors.New("pricing: malformed quote")

// Fetcher fetches a live fiat price for an asset.
type Fetcher interface {
	Fetch(ctx context.Context, asset Asset) (float64, error)
}

// HTTPFetcher queries the simple/price endpoint of a CoinGecko compatible API.
type HTTPFetcher struct {
	baseURL string
	client  *retryablehttp.Client
}

func NewHTTPFetcher(baseURL string, client *retryablehttp.Client) *HTTPFetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Fetch returns the price found at {id}.{vs} in the JSON answer.
func (f *HTTPFetcher) Fetch(ctx context.Context, asset Asset) (float64, error) {
	query := url.Values{}
	query.Set("ids", asset.ID)
	query.Set("vs_currencies", asset.VsCurrency)
	endpoint := f.baseURL + "/simple/price?" + query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("price fetch failed: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("read price body: %w", err)
	}
	return parseQuote(body, asset)
}

func parseQuote(body []byte, asset Asset) (float64, error) {
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("%w: invalid json", ErrMalformedQuote)
	}
	path := escapePath(asset.ID) + "." + escapePath(asset.VsCurrency)
	result := gjson.GetBytes(body, path)
	if !result.Exists() || result.Type != gjson.Number {
		return 0, fmt.Errorf("%w: no number at %s", ErrMalformedQuote, path)
	}
	value := result.Float()
	if value <= 0 {
		return 0, fmt.Errorf("%w: non-positive price %v", ErrMalformedQuote, value)
	}
	return value, nil
}

// escapePath escapes gjson path metacharacters in a single path component.
func escapePath(component string) string {
	var b strings.Builder
	for _, r := range component {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
