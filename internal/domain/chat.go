package domain

// Result types for the gateway RPC surface. These mirror the daemon's reply
// payloads; optional wire fields keep omitempty so zero values round-trip
// cleanly.

// Message is one chat history entry.
type Message struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	RunID       string `json:"runId,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`
}

// ChatHistory is the reply of chat.history.
type ChatHistory struct {
	SessionKey string    `json:"sessionKey"`
	Messages   []Message `json:"messages"`
}

// SendReceipt is the reply of chat.send: the id of the run the daemon
// started for the message.
type SendReceipt struct {
	RunID string `json:"runId"`
}

// AbortResult is the reply of chat.abort.
type AbortResult struct {
	Aborted bool `json:"aborted"`
}

// ModelInfo is one entry of the models.list catalogue.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Provider      string `json:"provider,omitempty"`
	ContextWindow int    `json:"contextWindow,omitempty"`
}

// ModelCatalog is the reply of models.list.
type ModelCatalog struct {
	Models []ModelInfo `json:"models"`
}

// SessionDefaults are the daemon-wide session defaults.
type SessionDefaults struct {
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// SessionRow is one entry of the sessions.list reply.
type SessionRow struct {
	Key          string `json:"key"`
	DisplayName  string `json:"displayName,omitempty"`
	Model        string `json:"model,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	UpdatedAtMs  int64  `json:"updatedAtMs,omitempty"`
}

// SessionsPage is the reply of sessions.list.
type SessionsPage struct {
	Defaults SessionDefaults `json:"defaults"`
	Sessions []SessionRow    `json:"sessions"`
}

// PatchResult is the reply of sessions.patch.
type PatchResult struct {
	Key   string `json:"key"`
	Model string `json:"model,omitempty"`
}

// CompactResult is the reply of sessions.compact.
type CompactResult struct {
	Key         string `json:"key"`
	LinesBefore int    `json:"linesBefore,omitempty"`
	LinesAfter  int    `json:"linesAfter,omitempty"`
}

// UsageDay is one per-day row of the usage.cost summary.
type UsageDay struct {
	Date         string  `json:"date"`
	CostUSD      float64 `json:"costUsd"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
}

// UsageSummary is the reply of usage.cost.
type UsageSummary struct {
	Days              []UsageDay `json:"days"`
	TotalCostUSD      float64    `json:"totalCostUsd"`
	TotalInputTokens  int64      `json:"totalInputTokens"`
	TotalOutputTokens int64      `json:"totalOutputTokens"`
}
