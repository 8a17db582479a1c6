package models

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderHacker Sender = "hacker"
	SenderPlayer Sender = "player"
)

// ChatMessage is one entry of lobbies/{code}/hackerChat. ID is the push key and is not stored.
type ChatMessage struct {
	ID               string `json:"-"`
	Sender           Sender `json:"sender"`
	Text             string `json:"text"`
	Timestamp        int64  `json:"timestamp"`
	IsFile           bool   `json:"isFile,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	DecryptedContent string `json:"decryptedContent,omitempty"`
	IsFirstMessage   bool   `json:"isFirstMessage,omitempty"`
}

// TriggerFlag guards a one-shot event. Sent marks posted messages, Played marks cues.
type TriggerFlag struct {
	Sent      bool  `json:"sent,omitempty"`
	Played    bool  `json:"played,omitempty"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Done reports whether either flag kind is set.
func (f TriggerFlag) Done() bool {
	return f.Sent || f.Played
}
