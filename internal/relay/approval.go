package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"strings"
)

const (
	approvalHeader = "Ready to forward this message?"
	previewLimit   = 4000

	confirmDenied    = "🚫 Forward denied."
	alreadyProcessed = "No pending item or already processed."
)

// DeriveKey names a pending approval. Messages carry their chat and message
// id; synthetic traffic (ingest, tests) falls back to a content hash.
func DeriveKey(chatID int64, messageID int, formatted string) string {
	if chatID != 0 && messageID != 0 {
		return fmt.Sprintf("%d:%d", chatID, messageID)
	}
	sum := sha256.Sum256([]byte(formatted))
	return hex.EncodeToString(sum[:])[:16]
}

// BuildApprovalPreview renders the approval-request message body, truncated
// to the chat message limit.
func BuildApprovalPreview(formatted string) string {
	preview := approvalHeader + "\n\n<pre>" + html.EscapeString(formatted) + "</pre>"
	return truncateRunes(preview, previewLimit)
}

// buildForwardedConfirmation is the text an approval message is edited to
// after a successful delivery.
func buildForwardedConfirmation(formatted string) string {
	text := "✅ Forwarded.\n\n<pre>" + html.EscapeString(formatted) + "</pre>"
	return truncateRunes(text, previewLimit)
}

// ReconstructFromPreview recovers the formatted text from an approval
// message body when the pending record is gone. Returns "" when the text
// does not look like an approval request; callers treat that as a no-op.
func ReconstructFromPreview(messageText string) string {
	trimmed := strings.TrimSpace(messageText)
	if !strings.HasPrefix(trimmed, approvalHeader) {
		return ""
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, approvalHeader))
	// Chat clients hand back the rendered text, but accept the raw form too.
	if strings.HasPrefix(rest, "<pre>") && strings.HasSuffix(rest, "</pre>") {
		inner := strings.TrimSuffix(strings.TrimPrefix(rest, "<pre>"), "</pre>")
		return strings.TrimSpace(html.UnescapeString(inner))
	}
	return rest
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
