package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"roost/internal/domain"
)

// Per-method timeout budgets. chat.send gets the largest budget because a
// model turn can take tens of seconds; metadata lookups stay short so the
// UI never stalls on them.
const (
	sendTimeout     = 30 * time.Second
	metadataTimeout = 7 * time.Second
	compactTimeout  = 15 * time.Second
)

// History fetches up to limit messages of a session's chat history.
func (c *Client) History(ctx context.Context, sessionKey string, limit int) (*domain.ChatHistory, error) {
	params := struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit,omitempty"`
	}{sessionKey, limit}
	payload, err := c.Request(ctx, "chat.history", params, 0)
	if err != nil {
		return nil, err
	}
	return decodeReply[domain.ChatHistory](payload, "chat.history reply")
}

// Send submits a user message and returns the id of the run the daemon
// started for it. Each call carries a fresh idempotency key; resending
// after a failure is the caller's decision, with a fresh call.
func (c *Client) Send(ctx context.Context, sessionKey, message, thinking string) (*domain.SendReceipt, error) {
	params := struct {
		SessionKey     string `json:"sessionKey"`
		Message        string `json:"message"`
		Thinking       string `json:"thinking,omitempty"`
		IdempotencyKey string `json:"idempotencyKey"`
		TimeoutMs      int64  `json:"timeoutMs,omitempty"`
	}{
		SessionKey:     sessionKey,
		Message:        message,
		Thinking:       thinking,
		IdempotencyKey: strings.ToLower(ulid.Make().String()),
		TimeoutMs:      sendTimeout.Milliseconds(),
	}
	payload, err := c.Request(ctx, "chat.send", params, sendTimeout)
	if err != nil {
		return nil, err
	}
	return decodeReply[domain.SendReceipt](payload, "chat.send reply")
}

// Abort stops an in-flight run. Aborting is a distinct application method,
// not a cancellation of the underlying transport request.
func (c *Client) Abort(ctx context.Context, sessionKey, runID string) (*domain.AbortResult, error) {
	params := struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}{sessionKey, runID}
	payload, err := c.Request(ctx, "chat.abort", params, 0)
	if err != nil {
		return nil, err
	}
	return decodeReply[domain.AbortResult](payload, "chat.abort reply")
}

// Models returns the available model catalogue.
func (c *Client) Models(ctx context.Context) (*domain.ModelCatalog, error) {
	payload, err := c.Request(ctx, "models.list", nil, metadataTimeout)
	if err != nil {
		return nil, err
	}
	return decodeReply[domain.ModelCatalog](payload, "models.list reply")
}

// SessionsQuery narrows a sessions.list call.
type SessionsQuery struct {
	Search         string `json:"search,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	IncludeGlobal  bool   `json:"includeGlobal,omitempty"`
	IncludeUnknown bool   `json:"includeUnknown,omitempty"`
}

// Sessions lists sessions with the daemon-wide defaults.
func (c *Client) Sessions(ctx context.Context, q SessionsQuery) (*domain.SessionsPage, error) {
	payload, err := c.Request(ctx, "sessions.list", q, metadataTimeout)
	if err != nil {
		return nil, err
	}
	return decodeReply[domain.SessionsPage](payload, "sessions.list reply")
}

// PatchSession applies (non-nil) or clears (nil) a session's preferred
// model.
func (c *Client) PatchSession(ctx context.Context, key string, model *string) (*domain.PatchResult, error) {
	params := struct {
		Key   string  `json:"key"`
		Model *string `json:"model"` // explicit null clears the preference
	}{key, model}
	payload, err := c.Request(ctx, "sessions.patch", params, 0)
	if err != nil {
		return nil, err
	}
	return decodeReply[domain.PatchResult](payload, "sessions.patch reply")
}

// CompactSession compacts a session's history down to at most maxLines.
func (c *Client) CompactSession(ctx context.Context, key string, maxLines int) (*domain.CompactResult, error) {
	params := struct {
		Key      string `json:"key"`
		MaxLines int    `json:"maxLines,omitempty"`
	}{key, maxLines}
	payload, err := c.Request(ctx, "sessions.compact", params, compactTimeout)
	if err != nil {
		return nil, err
	}
	return decodeReply[domain.CompactResult](payload, "sessions.compact reply")
}

// UsageCost returns the cost and token summary by day plus totals.
func (c *Client) UsageCost(ctx context.Context) (*domain.UsageSummary, error) {
	payload, err := c.Request(ctx, "usage.cost", nil, metadataTimeout)
	if err != nil {
		return nil, err
	}
	return decodeReply[domain.UsageSummary](payload, "usage.cost reply")
}

// decodeReply treats an absent payload as a valid empty result; a payload
// that does not match the expected shape is a decode failure.
func decodeReply[T any](payload json.RawMessage, what string) (*T, error) {
	var out T
	if len(payload) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, &domain.DecodeError{Detail: what, Err: err}
	}
	return &out, nil
}
