package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Render substitutes {provider} in title and body.
func (m MessageText) Render(provider string) MessageText {
	return MessageText{
		Title: strings.ReplaceAll(m.Title, "{provider}", provider),
		Body:  strings.ReplaceAll(m.Body, "{provider}", provider),
	}
}

type Messages struct {
	ReconnectRequired MessageText `json:"reconnect_required"`
}

// Default returns the built-in notification texts.
func Default() *Messages {
	return &Messages{
		ReconnectRequired: MessageText{
			Title: "Reconnect your bank",
			Body:  "We could not reach your {provider} connection. Open the app to reconnect it.",
		},
	}
}

// Load reads the notifications JSON file. Entries missing from the file keep
// their default text. An empty path yields the defaults.
func Load(path string) (*Messages, error) {
	msgs := Default()
	if path == "" {
		return msgs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}

	var fromFile Messages
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}

	merge(&msgs.ReconnectRequired, fromFile.ReconnectRequired)

	return msgs, nil
}

func merge(dst *MessageText, src MessageText) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
}
