package tokenquota

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the consumption a provider reports after a call.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// InvocationResult is the outcome of a metered model call.
type InvocationResult struct {
	RequestID       string
	Response        string
	Model           string
	InputTokens     int64
	OutputTokens    int64
	TokensConsumed  int64
	RemainingTokens int64
	Cost            CostBreakdown
	Account         Account
}

// UsageReport is returned by direct usage recording.
type UsageReport struct {
	UserID          string `json:"userId"`
	TokenUsage      int64  `json:"tokenUsage"`
	RemainingTokens int64  `json:"remainingTokens"`
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
