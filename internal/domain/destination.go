package domain

// Destination is one fan-out target: a chat plus an optional topic thread.
type Destination struct {
	ChatID   int64 `json:"chatId"`
	ThreadID int   `json:"threadId,omitempty"`
}

func (d Destination) Zero() bool { return d.ChatID == 0 }
