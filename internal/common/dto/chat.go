package dto

// ChatMessage is one turn of a conversation
type ChatMessage struct {
	Role    string `json:"role" binding:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// ChatCompletionRequest asks a catalog model for a completion
type ChatCompletionRequest struct {
	Model     string        `json:"model" binding:"required"`
	SessionID string        `json:"sessionId,omitempty"`
	Messages  []ChatMessage `json:"messages" binding:"required,min=1,dive"`
	MaxTokens int64         `json:"maxTokens,omitempty" binding:"gte=0"`
}

// Usage reports the tokens charged for a completion
type Usage struct {
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	Cost             float64 `json:"cost"`
}

// ChatCompletionResponse is the reply to a completion request
type ChatCompletionResponse struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Model     string `json:"model"`
	Content   string `json:"content"`
	Usage     Usage  `json:"usage"`
}
