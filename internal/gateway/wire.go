package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ChatID is an opaque chat identity. On the wire it may be a JSON
// number (Telegram) or a string; both decode to the same text.
type ChatID string

// UnmarshalJSON accepts a JSON string or integer.
func (c *ChatID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChatID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chat id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("chat id %s is not an integer", n)
	}
	*c = ChatID(n.String())
	return nil
}

// Message is an inbound chat message.
type Message struct {
	UpdateID int64
	ChatID   string
	Text     string
}

type sendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendResponse struct {
	OK          *bool  `json:"ok"`
	Description string `json:"description,omitempty"`
}

type updatesResponse struct {
	OK          *bool    `json:"ok"`
	Description string   `json:"description,omitempty"`
	Result      []update `json:"result"`
}

type update struct {
	UpdateID *int64   `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	Chat *struct {
		ID ChatID `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}
