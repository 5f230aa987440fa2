// Package chat routes inbound messaging-platform (Telegram) messages through
// identity resolution, the entitlement gate, credit metering, intent
// classification and dispatch.
package chat

import (
	"strconv"
	"strings"
)

// Update is the subset of a Telegram Bot API update the router reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	MessageID int64       `json:"message_id"`
	From      *User       `json:"from,omitempty"`
	Chat      Chat        `json:"chat"`
	Date      int64       `json:"date"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Document  *Document   `json:"document,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type PhotoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ChatID is the external chat identity stored on profiles.
func (m *Message) ChatID() string {
	return strconv.FormatInt(m.Chat.ID, 10)
}

// Ref identifies the message in usage records.
func (m *Message) Ref() string {
	return m.ChatID() + ":" + strconv.FormatInt(m.MessageID, 10)
}

// Content is the text handed to the classifier. Attachments without text
// are described by their name so the classifier still sees something.
func (m *Message) Content() string {
	if t := strings.TrimSpace(m.Text); t != "" {
		return t
	}
	if t := strings.TrimSpace(m.Caption); t != "" {
		return t
	}
	switch {
	case m.Document != nil:
		return "[document] " + m.Document.FileName
	case len(m.Photo) > 0:
		return "[photo]"
	}
	return ""
}

// IsStart reports whether the message is the /start onboarding command,
// including the "/start@botname" and "/start payload" forms.
func (m *Message) IsStart() bool {
	fields := strings.Fields(m.Text)
	if len(fields) == 0 {
		return false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return cmd == "/start"
}
