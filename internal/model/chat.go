package model

// Chat roles accepted by the chat-completions endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn of model input or output.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
