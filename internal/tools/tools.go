// Package tools implements the product search and item detail client used
// by pipeline agents. Responses are cached as content-addressed JSON files;
// in mock mode the cache is the only data source and a miss yields an empty
// result without touching the network.
package tools

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	ModeOnline = "online"
	ModeMock   = "mock"

	defaultTimeout = 10 * time.Second
)

// ModeResolver reports the currently active search mode. The task store
// satisfies this with its persisted setting.
type ModeResolver interface {
	SearchMode(ctx context.Context) (string, error)
}

type ModeResolverFunc func(ctx context.Context) (string, error)

func (f ModeResolverFunc) SearchMode(ctx context.Context) (string, error) {
	return f(ctx)
}

type Item struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	URL   string `json:"url"`
	Price string `json:"price"`
}

type SearchResult struct {
	Items []Item `json:"items"`
	Error string `json:"error,omitempty"`
}

// envelope is the upstream API response shape.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type Config struct {
	BaseURL  string
	APIKey   string
	CacheDir string
	Timeout  time.Duration
}

type Client struct {
	baseURL  string
	apiKey   string
	cacheDir string
	mode     ModeResolver
	http     *http.Client
	log      zerolog.Logger
}

func NewClient(cfg Config, mode ModeResolver, log zerolog.Logger) (*Client, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tool cache dir: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		cacheDir: cfg.CacheDir,
		mode:     mode,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

// Search looks up products for the keyword. Upstream and network failures
// degrade into an empty item list with the error message attached; the
// returned error covers mode resolution only.
func (c *Client) Search(ctx context.Context, keyword string, page, pageSize int, sort string) (SearchResult, error) {
	mode, err := c.mode.SearchMode(ctx)
	if err != nil {
		return SearchResult{Items: []Item{}}, err
	}

	cacheName := searchCacheName(keyword, page, pageSize, sort)
	if mode == ModeMock {
		var result SearchResult
		if c.readCache(cacheName, &result) {
			return result, nil
		}
		return SearchResult{Items: []Item{}}, nil
	}

	params := url.Values{}
	params.Set("keyword", keyword)
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))
	params.Set("sort", sort)

	var env envelope
	if err := c.get(ctx, "/search", params, &env); err != nil {
		c.log.Warn().Err(err).Str("keyword", keyword).Msg("search request failed")
		return SearchResult{Items: []Item{}, Error: err.Error()}, nil
	}
	if env.Code != 200 {
		return SearchResult{Items: []Item{}, Error: env.Msg}, nil
	}

	result := parseSearchData(env.Data)
	c.writeCache(cacheName, result)

	return result, nil
}

// Detail fetches a single item's detail object. Any failure or cache miss
// in mock mode yields an empty object.
func (c *Client) Detail(ctx context.Context, itemID string) (map[string]any, error) {
	mode, err := c.mode.SearchMode(ctx)
	if err != nil {
		return map[string]any{}, err
	}

	cacheName := fmt.Sprintf("item_detail_%s.json", itemID)
	if mode == ModeMock {
		var detail map[string]any
		if c.readCache(cacheName, &detail) {
			return detail, nil
		}
		return map[string]any{}, nil
	}

	params := url.Values{}
	params.Set("item_id", itemID)

	var env envelope
	if err := c.get(ctx, "/item_detail", params, &env); err != nil {
		c.log.Warn().Err(err).Str("item_id", itemID).Msg("detail request failed")
		return map[string]any{}, nil
	}
	if env.Code != 200 {
		return map[string]any{}, nil
	}

	var detail map[string]any
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		return map[string]any{}, nil
	}

	c.writeCache(cacheName, detail)

	return detail, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out *envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return json.Unmarshal(body, out)
}

func searchCacheName(keyword string, page, pageSize int, sort string) string {
	key := fmt.Sprintf("%s_%d_%d_%s", keyword, page, pageSize, sort)
	return fmt.Sprintf("search_%x.json", md5.Sum([]byte(key)))
}

func (c *Client) readCache(name string, out any) bool {
	data, err := os.ReadFile(filepath.Join(c.cacheDir, name))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.log.Warn().Err(err).Str("file", name).Msg("discarding unreadable cache entry")
		return false
	}

	return true
}

func (c *Client) writeCache(name string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(c.cacheDir, name), data, 0o644); err != nil {
		c.log.Warn().Err(err).Str("file", name).Msg("failed to write cache entry")
	}
}

// parseSearchData tolerates the upstream item field variants and maps them
// onto the canonical item shape.
func parseSearchData(data json.RawMessage) SearchResult {
	var payload struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return SearchResult{Items: []Item{}}
	}

	items := make([]Item, 0, len(payload.Items))
	for _, raw := range payload.Items {
		items = append(items, Item{
			Name:  stringField(raw, "name", "title"),
			ID:    stringField(raw, "id", "item_id", "num_iid"),
			URL:   stringField(raw, "url", "detail_url"),
			Price: stringField(raw, "price"),
		})
	}

	return SearchResult{Items: items}
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		default:
			return fmt.Sprint(val)
		}
	}
	return ""
}
