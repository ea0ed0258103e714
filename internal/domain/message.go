package domain

import "time"

type RawMessage struct {
	Source        string
	ChatID        int64
	ThreadID      int
	MessageID     int
	SenderID      int64
	Text          string
	Forwarded     bool
	ForwardedFrom string // origin channel or sender name, when the transport exposes it
	Received      time.Time
}

type OutboundMessage struct {
	Channel       string
	ChatID        int64
	ThreadID      int
	Content       string
	Format        string // "" (plain) | "HTML"
	ApprovalKey   string // render Allow/Deny buttons bound to this key
	CallbackID    string // answer this callback query instead of sending
	CallbackAlert bool
	EditMessageID int  // edit this message instead of sending a new one
	ClearKeyboard bool // strip the inline keyboard, keep the text
}
