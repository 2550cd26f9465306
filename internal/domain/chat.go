package domain

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used to build model
// context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextTurn is one completed exchange kept in a conversation's context window.
type ContextTurn struct {
	DeliveryID string
	Input      string
	Response   string
}

// Messages expands the turn into a user/assistant pair.
func (t ContextTurn) Messages() []ChatMessage {
	return []ChatMessage{
		{Role: RoleUser, Content: t.Input},
		{Role: RoleAssistant, Content: t.Response},
	}
}

// Usage is the token accounting returned by the completion capability.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Media is a fetched media object.
type Media struct {
	Data        []byte
	ContentType string
	Filename    string
}

// CompletionRequest is one call to the completion or vision capability.
// History holds prior completed turns; Text is the effective text of the
// current message.
type CompletionRequest struct {
	SystemPrompt string
	History      []ChatMessage
	Text         string
	Image        *Media
}

// Completion is the response artifact of a completion call.
type Completion struct {
	Text  string
	Usage Usage
}
