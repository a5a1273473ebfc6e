// Package api provides a client for the feed server's pull and mutation
// endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/pkg/auth"
)

const defaultBaseURL = "http://localhost:8080"

// HTTPClient interface for making HTTP requests (allows injection for testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// Client is a feed server API client.
type Client struct {
	token      *auth.Token
	baseURL    string
	httpClient HTTPClient
}

// NewClient creates a new API client authenticated with token. A nil token
// sends anonymous requests.
func NewClient(token *auth.Token, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CreateRequest is the body of a post submission.
type CreateRequest struct {
	Content  string `json:"content"`
	MediaRef string `json:"mediaRef,omitempty"`
	// ClientID correlates the server's item with the optimistic one.
	ClientID string `json:"clientId,omitempty"`
}

// ListItems fetches one page of the feed under filter.
func (c *Client) ListItems(ctx context.Context, filter feed.Filter, page, limit int) ([]feed.Item, error) {
	q := url.Values{}
	q.Set("filter", string(filter))
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	body, status, err := c.doRequest(ctx, http.MethodGet, "/items?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.handleAPIError(status)
	}

	var response listResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse items response: %w", err)
	}
	if !response.Success {
		return nil, fmt.Errorf("feed server could not list items: %s", response.Error)
	}

	items := make([]feed.Item, 0, len(response.Items))
	for _, w := range response.Items {
		it, err := w.ToItem()
		if err != nil {
			return nil, fmt.Errorf("failed to parse item %q: %w", w.ID, err)
		}
		items = append(items, it)
	}

	return items, nil
}

// CreateItem submits a new post and returns the server's canonical item.
func (c *Client) CreateItem(ctx context.Context, req CreateRequest) (*feed.Item, error) {
	return c.mutate(ctx, "post", "", http.MethodPost, "/items", req)
}

// DeleteItem deletes a post. The server may return no item.
func (c *Client) DeleteItem(ctx context.Context, id string) (*feed.Item, error) {
	return c.mutate(ctx, "delete", id, http.MethodDelete, "/items/"+url.PathEscape(id), nil)
}

// LikeItem likes (liked=true) or unlikes an item and returns its canonical
// state.
func (c *Client) LikeItem(ctx context.Context, id string, liked bool) (*feed.Item, error) {
	method, action := http.MethodPost, "like"
	if !liked {
		method, action = http.MethodDelete, "unlike"
	}
	return c.mutate(ctx, action, id, method, "/items/"+url.PathEscape(id)+"/like", nil)
}

// Follow follows (following=true) or unfollows an author.
func (c *Client) Follow(ctx context.Context, authorID string, following bool) error {
	method, action := http.MethodPost, "follow"
	if !following {
		method, action = http.MethodDelete, "unfollow"
	}
	_, err := c.mutate(ctx, action, authorID, method, "/follows/"+url.PathEscape(authorID), nil)
	return err
}

// Following lists the authors the viewer follows.
func (c *Client) Following(ctx context.Context) ([]string, error) {
	body, status, err := c.doRequest(ctx, http.MethodGet, "/follows", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.handleAPIError(status)
	}

	var response followsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse follows response: %w", err)
	}
	if response.Following == nil {
		return []string{}, nil
	}
	return response.Following, nil
}

func (c *Client) mutate(ctx context.Context, action, id, method, path string, payload any) (*feed.Item, error) {
	body, status, err := c.doRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}

	var response mutationResponse
	parseErr := json.Unmarshal(body, &response)

	if status >= 400 && status < 500 && status != http.StatusUnauthorized && status != http.StatusTooManyRequests {
		reason := response.Error
		if parseErr != nil || reason == "" {
			reason = http.StatusText(status)
		}
		return nil, &feed.MutationRejectedError{Action: action, ItemID: id, Reason: reason, Status: status}
	}
	if status < 200 || status >= 300 {
		return nil, c.handleAPIError(status)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", action, parseErr)
	}
	if !response.Success {
		return nil, &feed.MutationRejectedError{Action: action, ItemID: id, Reason: response.Error, Status: status}
	}
	if response.Item == nil {
		return nil, nil
	}

	it, err := response.Item.ToItem()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s response item: %w", action, err)
	}
	return &it, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != nil && c.token.AccessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token.AccessToken))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	return body, resp.StatusCode, nil
}

// API response types (private - implementation detail)

type listResponse struct {
	Items   []feed.WireItem `json:"items"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
}

type mutationResponse struct {
	Success bool           `json:"success"`
	Item    *feed.WireItem `json:"item,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type followsResponse struct {
	Following []string `json:"following"`
}

func (c *Client) handleAPIError(statusCode int) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("feed server authentication failed - please run 'feedsync token' to get a new token")
	case http.StatusForbidden:
		return fmt.Errorf("feed server access denied - check your token")
	case http.StatusTooManyRequests:
		return fmt.Errorf("feed server rate limit exceeded - please try again later")
	case http.StatusServiceUnavailable:
		return fmt.Errorf("feed server temporarily unavailable - please try again in a few minutes")
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("feed server error - please try again later")
	default:
		return fmt.Errorf("feed server API error (status %d) - please try again", statusCode)
	}
}
