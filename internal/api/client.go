// Package api is the HTTP client for the record store: user directory,
// message history, message submission and semantic search.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/inbox/internal/protocol"
)

// DefaultSearchLimit is the number of results requested by Search.
const DefaultSearchLimit = 10

// ErrStatus is wrapped by every StatusError.
var ErrStatus = errors.New("api: unexpected status")

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string // server-provided error text, if any
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("api: %s %s: %d: %s", e.Method, e.Path, e.Code, e.Msg)
	}
	return fmt.Sprintf("api: %s %s: %d", e.Method, e.Path, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Config holds client parameters.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3000",
		Timeout: 10 * time.Second,
	}
}

// Client talks to the record store REST API. It is safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a Client. A nil httpClient gets one with config.Timeout.
func New(config Config, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported scheme %q", base.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{base: base, http: httpClient}, nil
}

// SearchResult is one ranked snippet returned by semantic search.
type SearchResult struct {
	MessageID  protocol.ID `json:"messageId"`
	Score      float64     `json:"score"`
	Timestamp  time.Time   `json:"timestamp"`
	Text       string      `json:"text"`
	SenderID   protocol.ID `json:"senderId"`
	ReceiverID protocol.ID `json:"receiverId"`
	UserID     protocol.ID `json:"userId"`
}

// Register creates an account and returns the new user.
func (c *Client) Register(ctx context.Context, name, email, password string) (protocol.User, error) {
	var out struct {
		User *protocol.User `json:"user"`
	}
	body := map[string]string{"name": name, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/register", nil, body, &out); err != nil {
		return protocol.User{}, err
	}
	if out.User == nil {
		return protocol.User{}, errors.New("api: register: response has no user")
	}
	return *out.User, nil
}

// Login authenticates an existing account.
func (c *Client) Login(ctx context.Context, email, password string) (protocol.User, error) {
	var out struct {
		User *protocol.User `json:"user"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &out); err != nil {
		return protocol.User{}, err
	}
	if out.User == nil {
		return protocol.User{}, errors.New("api: login: response has no user")
	}
	return *out.User, nil
}

// Users lists the directory.
func (c *Client) Users(ctx context.Context) ([]protocol.User, error) {
	var out struct {
		Users []protocol.User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// User fetches one user by id.
func (c *Client) User(ctx context.Context, id protocol.ID) (protocol.User, error) {
	var out struct {
		User *protocol.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id.String()), nil, nil, &out); err != nil {
		return protocol.User{}, err
	}
	if out.User == nil {
		return protocol.User{}, fmt.Errorf("api: user %s: response has no user", id)
	}
	return *out.User, nil
}

// Messages returns up to limit messages sent to or by user.
func (c *Client) Messages(ctx context.Context, user protocol.ID, limit int) ([]protocol.Message, error) {
	q := url.Values{}
	q.Set("userId", user.String())
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Conversation returns up to limit messages exchanged between a and b.
func (c *Client) Conversation(ctx context.Context, a, b protocol.ID, limit int) ([]protocol.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	path := "/messages/conversation/" + url.PathEscape(a.String()) + "/" + url.PathEscape(b.String())

	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send stores a message and returns it with its server-assigned id and
// timestamp.
func (c *Client) Send(ctx context.Context, from, to protocol.ID, body string) (protocol.Message, error) {
	req := map[string]string{
		"senderId":   from.String(),
		"receiverId": to.String(),
		"message":    body,
	}
	var out struct {
		Data *protocol.Message `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", nil, req, &out); err != nil {
		return protocol.Message{}, err
	}
	if out.Data == nil {
		return protocol.Message{}, errors.New("api: send: response has no message")
	}
	return *out.Data, nil
}

// Search runs a semantic search over user's messages.
func (c *Client) Search(ctx context.Context, user protocol.ID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	q := url.Values{}
	q.Set("userId", user.String())
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/semantic-search", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// do issues one request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: %s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[api] %s %s failed: %v", method, path, err)
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	log.Printf("[api] %s %s status=%d elapsed=%s", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s %s: decode: %w", method, path, err)
	}
	return nil
}
