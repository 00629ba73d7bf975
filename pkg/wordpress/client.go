// Copyright 2024-2026 Aiku AI

// Package wordpress is a client for the WordPress REST API (wp/v2),
// covering posts, media uploads, and the slug lookups the bridge uses to
// reconcile uncertain publish outcomes.
package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultTimeout limits one request when the config does not say otherwise.
const DefaultTimeout = 30 * time.Second

// APIError is a WordPress REST error response.
type APIError struct {
	StatusCode int
	// Code is the WordPress machine-readable error code, such as
	// rest_post_invalid_id.
	Code    string
	Message string
	// RetryAfter is the delay the server asked for, zero when the response
	// carried no usable Retry-After header.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wordpress error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("wordpress error %d", e.StatusCode)
}

// HTTPStatus reports the response status for retry classification.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// RetryAfterHint reports the server-requested retry delay, if any.
func (e *APIError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// Post is a WordPress post as the bridge sees it.
type Post struct {
	ID     int64
	Link   string
	Slug   string
	Status string
	Title  string
}

// PostParams are the fields the bridge writes on a post.
type PostParams struct {
	Title         string
	Content       string
	Status        string
	Slug          string
	Categories    []int
	FeaturedMedia int64
}

// Media is an uploaded media library item.
type Media struct {
	ID        int64
	SourceURL string
}

// User identifies the authenticated WordPress user.
type User struct {
	ID   int64
	Name string
}

// Config for a Client.
type Config struct {
	// BaseURL is the site root, without /wp-json.
	BaseURL  string
	Username string
	// AppPassword is a WordPress application password.
	AppPassword string
	Timeout     time.Duration
	// RateLimit is requests per second to the site; zero or negative
	// disables throttling. RateBurst is the accompanying burst size.
	RateLimit float64
	RateBurst int
}

// Client talks to one WordPress site.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	limit := rate.Inf
	burst := 0
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		username: cfg.Username,
		password: cfg.AppPassword,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		log:      log.With().Str("component", "wordpress").Logger(),
	}
}

type postRequest struct {
	Title         string `json:"title,omitempty"`
	Content       string `json:"content,omitempty"`
	Status        string `json:"status,omitempty"`
	Slug          string `json:"slug,omitempty"`
	Categories    []int  `json:"categories,omitempty"`
	FeaturedMedia int64  `json:"featured_media,omitempty"`
}

type wirePost struct {
	ID     int64  `json:"id"`
	Link   string `json:"link"`
	Slug   string `json:"slug"`
	Status string `json:"status"`
	Title  struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
}

func (p *wirePost) post() *Post {
	return &Post{
		ID:     p.ID,
		Link:   p.Link,
		Slug:   p.Slug,
		Status: p.Status,
		Title:  p.Title.Rendered,
	}
}

// CreatePost publishes a new post.
func (c *Client) CreatePost(ctx context.Context, params PostParams) (*Post, error) {
	var out wirePost
	err := c.doJSON(ctx, http.MethodPost, "/wp-json/wp/v2/posts", nil, &postRequest{
		Title:         params.Title,
		Content:       params.Content,
		Status:        params.Status,
		Slug:          params.Slug,
		Categories:    params.Categories,
		FeaturedMedia: params.FeaturedMedia,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}
	c.log.Debug().Int64("post_id", out.ID).Str("slug", out.Slug).Msg("Created post")
	return out.post(), nil
}

// UpdatePost rewrites the given fields of an existing post.
func (c *Client) UpdatePost(ctx context.Context, id int64, params PostParams) (*Post, error) {
	var out wirePost
	err := c.doJSON(ctx, http.MethodPost, "/wp-json/wp/v2/posts/"+strconv.FormatInt(id, 10), nil, &postRequest{
		Title:         params.Title,
		Content:       params.Content,
		Status:        params.Status,
		Categories:    params.Categories,
		FeaturedMedia: params.FeaturedMedia,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to update post %d: %w", id, err)
	}
	return out.post(), nil
}

// DeletePost moves a post to the trash.
func (c *Client) DeletePost(ctx context.Context, id int64) error {
	err := c.doJSON(ctx, http.MethodDelete, "/wp-json/wp/v2/posts/"+strconv.FormatInt(id, 10), nil, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to delete post %d: %w", id, err)
	}
	c.log.Debug().Int64("post_id", id).Msg("Trashed post")
	return nil
}

// FindPostBySlug looks a post up by its exact slug in any status. It
// returns nil without error when no post carries the slug.
func (c *Client) FindPostBySlug(ctx context.Context, slug string) (*Post, error) {
	var out []wirePost
	query := url.Values{
		"slug":     {slug},
		"status":   {"any"},
		"per_page": {"1"},
	}
	err := c.doJSON(ctx, http.MethodGet, "/wp-json/wp/v2/posts", query, nil, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to look up slug %s: %w", slug, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0].post(), nil
}

// UploadMedia adds a file to the media library.
func (c *Client) UploadMedia(ctx context.Context, filename, mimeType string, data []byte) (*Media, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/wp-json/wp/v2/media", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	var out Media
	wire := struct {
		ID        int64  `json:"id"`
		SourceURL string `json:"source_url"`
	}{}
	if err = c.send(req, &wire); err != nil {
		return nil, fmt.Errorf("failed to upload media %s: %w", filename, err)
	}
	out.ID = wire.ID
	out.SourceURL = wire.SourceURL
	return &out, nil
}

// SiteInfo is the summary the REST index reports about a site.
type SiteInfo struct {
	Name string
	URL  string
}

// Ping fetches the REST index. It proves the site is reachable and speaks
// the REST API without needing valid credentials.
func (c *Client) Ping(ctx context.Context) (*SiteInfo, error) {
	var out struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/wp-json", nil, nil, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to reach site: %w", err)
	}
	return &SiteInfo{Name: out.Name, URL: out.URL}, nil
}

// Me returns the user the credentials belong to. It doubles as the
// credential check.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	query := url.Values{"context": {"edit"}}
	err := c.doJSON(ctx, http.MethodGet, "/wp-json/wp/v2/users/me", query, nil, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch own user: %w", err)
	}
	return &User{ID: out.ID, Name: out.Name}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return parseError(resp, payload)
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("undecodable response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

func parseError(resp *http.Response, payload []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	return apiErr
}

// parseRetryAfter handles both forms of the header: delay seconds and an
// HTTP date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
