// Package protocol defines the wire format shared by the server and the
// client library. Every frame is a single flat JSON object discriminated
// by the "type" field.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type discriminates wire envelopes.
type Type string

const (
	TypeJoin             Type = "join"
	TypeLeave            Type = "leave"
	TypeJoinRejected     Type = "join_rejected"
	TypeUserList         Type = "user_list"
	TypeMessage          Type = "message"
	TypeWhisper          Type = "whisper"
	TypeRead             Type = "read"
	TypeReadUpdate       Type = "read_update"
	TypeReaction         Type = "reaction"
	TypeReactionUpdate   Type = "reaction_update"
	TypeDeleteTimeUpdate Type = "delete_time_update"
	TypeNicknameChange   Type = "nickname_change"
	TypeNicknameChanged  Type = "nickname_changed"
	TypeAIMessage        Type = "ai_message"
)

// known reports whether t is one of the envelope types this protocol
// version understands. Unknown types are dropped by the router.
func (t Type) known() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeJoinRejected, TypeUserList,
		TypeMessage, TypeWhisper, TypeRead, TypeReadUpdate,
		TypeReaction, TypeReactionUpdate, TypeDeleteTimeUpdate,
		TypeNicknameChange, TypeNicknameChanged, TypeAIMessage:
		return true
	}
	return false
}

// IsContent reports whether envelopes of this type carry a message body
// that participates in read/reaction tracking and TTL expiry.
func (t Type) IsContent() bool {
	return t == TypeMessage || t == TypeWhisper || t == TypeAIMessage
}

// FileAttachment is a file payload carried inline as a data URL.
type FileAttachment struct {
	Name string `json:"name"`
	Mime string `json:"mime,omitempty"`
	Data string `json:"data"`
	Size int64  `json:"size,omitempty"`
}

// Envelope is one frame on the wire. Fields are a union across all
// envelope types; omitempty keeps each frame to its own minimum set.
// Timestamp is server-assigned wall time in milliseconds for every
// server-originated envelope.
type Envelope struct {
	Type      Type   `json:"type"`
	Nickname  string `json:"nickname,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// Content fields (message, whisper, ai_message).
	MessageID string          `json:"message_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Image     string          `json:"image,omitempty"`
	File      *FileAttachment `json:"file,omitempty"`
	Emoji     string          `json:"emoji,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`

	// Whisper targeting.
	TargetNickname string `json:"target_nickname,omitempty"`

	// Reaction toggle input and aggregated output.
	Reaction  string              `json:"reaction,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`

	// Read receipt aggregation.
	ReadCount  int `json:"read_count,omitempty"`
	TotalUsers int `json:"total_users,omitempty"`

	// TTL policy, in minutes.
	DeleteTime int `json:"delete_time,omitempty"`

	// Roster broadcast.
	Users []string `json:"users,omitempty"`

	// Rename.
	OldNickname string `json:"old_nickname,omitempty"`
	NewNickname string `json:"new_nickname,omitempty"`

	// Rejection reason (join_rejected, failed nickname_change).
	Reason string `json:"reason,omitempty"`
}

// Decode parses a frame. It returns an error for unparseable JSON or an
// unknown type; callers drop such frames silently.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	if !env.Type.known() {
		return nil, fmt.Errorf("protocol: unknown envelope type %q", env.Type)
	}
	return &env, nil
}

// Encode serializes the envelope as a single JSON frame.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// HasContent reports whether the envelope carries at least one body
// variant. Content envelopes without any body are dropped.
func (e *Envelope) HasContent() bool {
	return e.Text != "" || e.Image != "" || e.Emoji != "" || e.File != nil
}

// NewMessageID returns a fresh globally unique message id.
func NewMessageID() string {
	return uuid.NewString()
}
