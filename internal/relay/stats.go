package relay

import "time"

// Stats counts pipeline outcomes for the admin surface. It lives on the
// engine and is only touched from the engine goroutine.
type Stats struct {
	Received           int64
	Forwarded          int64
	Ignored            int64
	ApprovalsRequested int64
	ApprovalsApproved  int64
	ApprovalsDenied    int64
	WebhookErrors      int64
	StartedAt          time.Time
}

func (s Stats) Uptime() time.Duration {
	return time.Since(s.StartedAt).Round(time.Second)
}
