package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/logging"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

// TokenSource returns the bearer token for the next request
type TokenSource func() string

// StaticToken always returns tok
func StaticToken(tok string) TokenSource {
	return func() string { return tok }
}

type Config struct {
	BaseURL            string
	Timeout            time.Duration
	RetryMaxElapsed    time.Duration // total retry budget for GETs
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration // how long the breaker stays open
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:            baseURL,
		Timeout:            15 * time.Second,
		RetryMaxElapsed:    5 * time.Second,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
	}
}

// Client calls the chat REST backend. Every response is an envelope; list
// endpoints return a page of results.
type Client struct {
	cfg   Config
	http  *http.Client
	token TokenSource
	cb    *gobreaker.CircuitBreaker
	log   *zap.Logger
}

func New(cfg Config, token TokenSource, logger *zap.Logger) *Client {
	log := logging.OrNop(logger).Named("api")
	if token == nil {
		token = StaticToken("")
	}
	tr := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    20,
		IdleConnTimeout: 90 * time.Second,
	}
	st := gobreaker.Settings{
		Name:        "chat-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		// client errors say nothing about backend health
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Transport: tr, Timeout: cfg.Timeout},
		token: token,
		cb:    gobreaker.NewCircuitBreaker(st),
		log:   log,
	}
}

// do sends one request and decodes the envelope's data into out. GETs are
// retried with exponential backoff on network errors and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	attempt := func() error {
		_, err := c.cb.Execute(func() (interface{}, error) {
			return nil, c.roundTrip(ctx, method, u, payload, out)
		})
		if err == nil {
			return nil
		}
		if method != http.MethodGet || !retryable(err) ||
			errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		c.log.Warn("request failed, retrying", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.cfg.RetryMaxElapsed
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, u string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return newError(resp.StatusCode, "")
		}
		return fmt.Errorf("decode envelope: %w", err)
	}
	status := resp.StatusCode
	if env.StatusCode >= 400 {
		status = env.StatusCode
	}
	if status >= 400 {
		return newError(status, env.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func pageQuery(page, size int) url.Values {
	return url.Values{"page": {strconv.Itoa(page)}, "size": {strconv.Itoa(size)}}
}

func conversationPath(id int64) string {
	return "/api/conversations/" + strconv.FormatInt(id, 10)
}

// Register creates an account and returns a token for it
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/register", nil, req, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, req models.LoginRequest) (models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, req, &out)
	return out, err
}

// GetConversations fetches one page of the caller's conversations
func (c *Client) GetConversations(ctx context.Context, page, size int) (models.Page[models.Conversation], error) {
	var out models.Page[models.Conversation]
	err := c.do(ctx, http.MethodGet, "/api/conversations", pageQuery(page, size), nil, &out)
	return out, err
}

func (c *Client) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error) {
	var out models.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", nil, req, &out)
	return out, err
}

// GetMessages fetches one page of a conversation's messages. Page 0 holds
// the newest messages and results are ordered newest first.
func (c *Client) GetMessages(ctx context.Context, conversationID int64, page, size int) (models.Page[models.Message], error) {
	var out models.Page[models.Message]
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID)+"/messages", pageQuery(page, size), nil, &out)
	return out, err
}

// SendMessage posts a message and returns the stored copy
func (c *Client) SendMessage(ctx context.Context, conversationID int64, req models.SendMessageRequest) (models.Message, error) {
	var out models.Message
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID)+"/messages", nil, req, &out)
	return out, err
}

// MarkAsRead marks every message in the conversation read for the caller
func (c *Client) MarkAsRead(ctx context.Context, conversationID int64) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID)+"/read", nil, nil, nil)
}

func (c *Client) SetMuted(ctx context.Context, conversationID int64, muted bool) error {
	return c.do(ctx, http.MethodPut, conversationPath(conversationID)+"/mute", nil, models.MuteRequest{Muted: muted}, nil)
}

func (c *Client) SetPinned(ctx context.Context, conversationID int64, pinned bool) error {
	return c.do(ctx, http.MethodPut, conversationPath(conversationID)+"/pin", nil, models.PinRequest{Pinned: pinned}, nil)
}

// LeaveConversation removes the caller from a conversation
func (c *Client) LeaveConversation(ctx context.Context, conversationID int64) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID)+"/members/me", nil, nil, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	path := conversationPath(conversationID) + "/messages/" + strconv.FormatInt(messageID, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}
