// Package api is the HTTP client for the booking platform's messaging
// endpoints (conversation list, history, send, clear, create).
package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/models"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 15 * time.Second

var (
	// ErrNotConfigured is returned when no base URL is set.
	ErrNotConfigured = errors.New("api base url not configured")

	// ErrInvalidResponse is returned when a 2xx body cannot be used.
	ErrInvalidResponse = errors.New("invalid api response")
)

// Collaborator is the subset of the platform API the messaging runtime uses.
type Collaborator interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	FetchMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID int64, body string) (models.Message, error)
	ClearHistory(ctx context.Context, conversationID int64) (int, error)
	CreateConversation(ctx context.Context, participantID int64, kind models.ConversationKind) (models.Conversation, error)
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 404
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the platform API with resty.
type Client struct {
	http *resty.Client
	base string
}

var _ Collaborator = (*Client)(nil)

// NewClient builds a client. The bearer token, when set, is attached to
// every request.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "gardenchat/1.0"
	}

	logger := logging.Component("api")
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("User-Agent", agent).
		SetHeader("Accept", "application/json").
		OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
			logger.Debug().
				Str("method", resp.Request.Method).
				Str("url", logging.RedactURL(resp.Request.URL)).
				Int("status", resp.StatusCode()).
				Dur("elapsed", resp.Time()).
				Msg("api response")
			return nil
		})
	if token := strings.TrimSpace(cfg.Token); token != "" {
		client.SetAuthToken(token)
	}

	return &Client{http: client, base: base}, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.base }

// ListConversations fetches the local user's conversations, each with its
// counterpart and last-message summary.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, resty.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: conversation %d: %v", ErrInvalidResponse, out[i].ID, err)
		}
	}
	return out, nil
}

// FetchMessages fetches the full history of a conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	if conversationID <= 0 {
		return nil, models.ErrInvalidConversationID
	}
	var out []models.Message
	if err := c.do(ctx, resty.MethodGet, messagesPath(conversationID), nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ConversationID == 0 {
			out[i].ConversationID = conversationID
		}
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrInvalidResponse, out[i].ID, err)
		}
	}
	return out, nil
}

type sendRequest struct {
	ConversationID int64  `json:"conversationId"`
	Body           string `json:"body"`
}

// SendMessage posts a message and returns the server's copy with its
// assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, body string) (models.Message, error) {
	if conversationID <= 0 {
		return models.Message{}, models.ErrInvalidConversationID
	}
	if strings.TrimSpace(body) == "" {
		return models.Message{}, models.ErrEmptyBody
	}
	var out models.Message
	req := sendRequest{ConversationID: conversationID, Body: body}
	if err := c.do(ctx, resty.MethodPost, "/messages", req, &out); err != nil {
		return models.Message{}, err
	}
	if out.ConversationID == 0 {
		out.ConversationID = conversationID
	}
	if err := out.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return out, nil
}

type clearResponse struct {
	DeletedCount int `json:"deletedCount"`
}

// ClearHistory deletes every message of a conversation server-side and
// returns how many were removed.
func (c *Client) ClearHistory(ctx context.Context, conversationID int64) (int, error) {
	if conversationID <= 0 {
		return 0, models.ErrInvalidConversationID
	}
	var out clearResponse
	if err := c.do(ctx, resty.MethodDelete, messagesPath(conversationID), nil, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}

type createRequest struct {
	ParticipantID int64                   `json:"participantId"`
	Kind          models.ConversationKind `json:"kind"`
}

// CreateConversation opens (or returns the existing) conversation with a
// participant.
func (c *Client) CreateConversation(ctx context.Context, participantID int64, kind models.ConversationKind) (models.Conversation, error) {
	if participantID <= 0 {
		return models.Conversation{}, models.ErrInvalidUserID
	}
	if kind == "" {
		kind = models.ConversationKindDirect
	}
	var out models.Conversation
	req := createRequest{ParticipantID: participantID, Kind: kind}
	if err := c.do(ctx, resty.MethodPost, "/conversations", req, &out); err != nil {
		return models.Conversation{}, err
	}
	if err := out.Validate(); err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req := c.http.R().SetContext(ctx).SetResult(result)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode(),
			Body:       logging.Preview(strings.TrimSpace(resp.String()), 200),
		}
	}
	return nil
}

func messagesPath(conversationID int64) string {
	return "/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
}
