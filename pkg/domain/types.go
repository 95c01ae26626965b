package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// User is a User Directory record. ChatCount is the highest chat id issued.
type User struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	ChatCount int64     `json:"chatCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryEntry is one prompt/response turn of a chat.
type HistoryEntry struct {
	Prompt        string `json:"prompt"`
	ModelResponse string `json:"model_response"`
}

// ChatTranscript is the ordered turn list stored for one chat.
type ChatTranscript struct {
	ChatID  int64
	Entries []HistoryEntry
}

// MarshalJSON renders the transcript as {"<chat_id>": [entries...]}.
func (c ChatTranscript) MarshalJSON() ([]byte, error) {
	entries := c.Entries
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return json.Marshal(map[string][]HistoryEntry{
		strconv.FormatInt(c.ChatID, 10): entries,
	})
}

// AppendJob asks the append service to add Entry to a chat transcript.
type AppendJob struct {
	ID        string       `json:"id"`
	Username  string       `json:"username"`
	ChatID    int64        `json:"chat_id"`
	Entry     HistoryEntry `json:"model_history_entry"`
	CreatedAt time.Time    `json:"created_at"`
}
