package domain

type EventKind int

const (
	EventMessage EventKind = iota
	EventDecision
	EventCommand
)

// Event is the single inbound unit the bus carries. Exactly one of the
// payload pointers is set, matching Kind.
type Event struct {
	Kind     EventKind
	Message  *RawMessage
	Decision *Decision
	Command  *Command
}

type DecisionAction string

const (
	DecisionAllow DecisionAction = "allow"
	DecisionDeny  DecisionAction = "deny"
)

// Decision is an approval callback resolved against a pending key.
type Decision struct {
	Action      DecisionAction
	Key         string
	CallbackID  string
	ChatID      int64
	MessageID   int    // the approval-request message carrying the buttons
	MessageText string // its visible text, kept for best-effort reconstruction
	From        int64
}

// Command is an admin chat command, already allow-list checked by the channel.
type Command struct {
	Name     string
	Args     string
	ChatID   int64
	ThreadID int
	From     int64
}
