// Package quote fetches short quotes for greeting images.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultURL = "http://api.forismatic.com/api/1.0/?method=getQuote&lang=en&format=json"

var ErrEmpty = errors.New("quote: empty quote text")

// Provider returns one quote per call. Implementations may fail transiently.
type Provider interface {
	FetchQuote(ctx context.Context) (string, error)
}

type Config struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// Client reads quotes from the Forismatic API.
type Client struct {
	url    string
	ua     string
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "greetbot/1"
	}
	return &Client{
		url:    cfg.URL,
		ua:     cfg.UserAgent,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("quote: http status=%d body=%q", e.StatusCode, e.Body)
}

type forismaticResponse struct {
	QuoteText   string `json:"quoteText"`
	QuoteAuthor string `json:"quoteAuthor"`
}

func (c *Client) FetchQuote(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("quote: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("quote: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("quote: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b := string(body)
		if len(b) > 200 {
			b = b[:200]
		}
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: b}
	}
	return decode(body)
}

// decode parses the API payload. The API emits \' inside strings, which is
// not valid JSON, so it is repaired first.
func decode(body []byte) (string, error) {
	fixed := strings.ReplaceAll(string(body), `\'`, `'`)
	var r forismaticResponse
	if err := json.Unmarshal([]byte(fixed), &r); err != nil {
		return "", fmt.Errorf("quote: decode: %w", err)
	}
	text := strings.TrimSpace(r.QuoteText)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}
