package onebot

import (
	"encoding/json"
	"time"
)

type Config struct {
	// URL is the gateway's forward websocket endpoint, e.g. ws://127.0.0.1:3001.
	URL         string
	AccessToken string
	// ActionTimeout bounds the wait for an action response when the caller's
	// context has no earlier deadline.
	ActionTimeout time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

// action is an outbound API call. Echo correlates the response.
type action struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

type privateMsgParams struct {
	UserID  int64     `json:"user_id"`
	Message []segment `json:"message"`
}

type groupMsgParams struct {
	GroupID int64     `json:"group_id"`
	Message []segment `json:"message"`
}

// frame is any inbound frame: an event (PostType set) or an action
// response (Echo set).
type frame struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	MessageID   int64  `json:"message_id"`
	UserID      int64  `json:"user_id"`
	GroupID     int64  `json:"group_id"`
	SelfID      int64  `json:"self_id"`
	RawMessage  string `json:"raw_message"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`

	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

type sendResult struct {
	MessageID int64 `json:"message_id"`
}
