package relay

import (
	"context"
	"fmt"
	"strings"
)

// ChatCommand represents a parsed admin chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // false when the command is not recognized
}

// ParseCommand checks if a message starts with "/" and parses it into a
// ChatCommand. Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	// Group chats address commands as /name@botname.
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// SampleSignal is the canonical trade signal the test command pushes
// through the pipeline.
const SampleSignal = "script : BTCUSD\nPosition : BUY\nEnter Price : 100\nTake Profit 1 : 110\nTake Profit 2 : 120\nStoploss : 90"

// HandleCommand processes an admin command and returns a result. Unknown
// commands return Handled=false so the channel can ignore them silently.
func (e *Engine) HandleCommand(ctx context.Context, cmd *ChatCommand) CommandResult {
	switch cmd.Name {
	case "start":
		return CommandResult{Response: "Signal relay is running. Use /help for commands.", Handled: true}

	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "stats":
		return CommandResult{Response: e.statsText(), Handled: true}

	case "forward_on":
		if err := e.SetForwarding(true); err != nil {
			return CommandResult{Response: "Could not update the forwarding flag: " + err.Error(), Handled: true}
		}
		return CommandResult{Response: "Forwarding enabled ✅", Handled: true}

	case "forward_off":
		if err := e.SetForwarding(false); err != nil {
			return CommandResult{Response: "Could not update the forwarding flag: " + err.Error(), Handled: true}
		}
		return CommandResult{Response: "Forwarding disabled 🚫", Handled: true}

	case "forward_status":
		if e.ForwardingEnabled() {
			return CommandResult{Response: "Forwarding is ON", Handled: true}
		}
		return CommandResult{Response: "Forwarding is OFF", Handled: true}

	case "health":
		if err := e.dispatcher.Health(ctx); err != nil {
			return CommandResult{Response: "Webhook health check failed: " + err.Error(), Handled: true}
		}
		return CommandResult{Response: "Webhook reachable ✅", Handled: true}

	case "test":
		res, err := e.ProcessText(SampleSignal)
		if err != nil {
			return CommandResult{Response: "Test signal failed: " + err.Error(), Handled: true}
		}
		if err := e.deliver(ctx, res.Payload, res.Formatted); err != nil {
			return CommandResult{Response: "Test delivery failed: " + err.Error(), Handled: true}
		}
		e.stats.Forwarded++
		e.relayMetrics.Forwarded.Inc()
		return CommandResult{Response: "Test signal delivered ✅", Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func helpText() string {
	return `Signal relay commands

/help — Show this help message
/stats — Show relay counters
/test — Deliver a sample signal through the webhook
/health — Check webhook reachability
/forward_on — Enable forwarding
/forward_off — Disable forwarding
/forward_status — Show the forwarding flag`
}

func (e *Engine) statsText() string {
	s := e.stats
	var sb strings.Builder
	sb.WriteString("Relay stats\n\n")
	fmt.Fprintf(&sb, "Received: %d\n", s.Received)
	fmt.Fprintf(&sb, "Forwarded: %d\n", s.Forwarded)
	fmt.Fprintf(&sb, "Ignored: %d\n", s.Ignored)
	fmt.Fprintf(&sb, "Approvals requested: %d\n", s.ApprovalsRequested)
	fmt.Fprintf(&sb, "Approved: %d / Denied: %d\n", s.ApprovalsApproved, s.ApprovalsDenied)
	fmt.Fprintf(&sb, "Webhook errors: %d\n", s.WebhookErrors)
	fmt.Fprintf(&sb, "Pending approvals: %d\n", e.approvals.Len())
	fmt.Fprintf(&sb, "Uptime: %s", s.Uptime())
	return sb.String()
}
