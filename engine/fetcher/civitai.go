package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the public Civitai REST API.
const DefaultBaseURL = "https://civitai.com/api/v1"

const userAgent = "civiphrases/0.1.0"

// HTTPClient interface for making HTTP requests (allows injection for testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout bounds each request of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if hc, ok := c.httpClient.(*http.Client); ok && d > 0 {
			hc.Timeout = d
		}
	}
}

// Client talks to the Civitai images and collections endpoints.
type Client struct {
	httpClient HTTPClient
	baseURL    string
	apiKey     string
}

// NewClient creates a Civitai client. The default transport is traced.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Page is one page of raw items. Items stay raw so extraction can tolerate
// the several shapes the API returns.
type Page struct {
	Items    []json.RawMessage `json:"items"`
	Metadata struct {
		NextPage string `json:"nextPage"`
	} `json:"metadata"`
}

// Images lists a user's images, most reacted first.
func (c *Client) Images(ctx context.Context, username string, page, limit int, includeNSFW bool) (Page, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	q.Set("sort", "Most Reactions")
	q.Set("period", "AllTime")
	if !includeNSFW {
		q.Set("nsfw", "false")
	}
	var p Page
	err := c.getJSON(ctx, "images page", "/images", q, &p)
	return p, err
}

// Collection checks that a collection exists and is readable.
func (c *Client) Collection(ctx context.Context, id string) error {
	var body json.RawMessage
	return c.getJSON(ctx, "collection", "/collections/"+url.PathEscape(id), nil, &body)
}

// CollectionItems lists the image items of a collection.
func (c *Client) CollectionItems(ctx context.Context, id string, page, limit int) (Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	q.Set("type", "image")
	var p Page
	err := c.getJSON(ctx, "collection page", "/collections/"+url.PathEscape(id)+"/items", q, &p)
	return p, err
}

func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("civitai: %s: build request: %w", op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.TransientRemoteError{Op: "civitai " + op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus("civitai "+op, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("civitai: %s: decode: %w", op, err)
	}
	return nil
}

// classifyStatus maps 429 and 5xx to TransientRemoteError and other non-2xx
// codes to plain errors.
func classifyStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	err := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &domain.TransientRemoteError{Op: op, Status: resp.StatusCode, Err: err}
	}
	return fmt.Errorf("%s: %w", op, errors.Join(errStatus, err))
}

var errStatus = errors.New("unexpected status")
