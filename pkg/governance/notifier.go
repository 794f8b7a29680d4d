package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Notifier is told about every approval record that is created.
type Notifier interface {
	Notify(ctx context.Context, rec ApprovalRecord) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec ApprovalRecord) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, rec ApprovalRecord) error { return f(ctx, rec) }

// LogNotifier logs pending approvals.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs rec at info level.
func (n LogNotifier) Notify(ctx context.Context, rec ApprovalRecord) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "governance.approval.pending",
		slog.String("approval_id", rec.ID),
		slog.String("run_id", rec.RunID),
		slog.String("tool", rec.ToolName),
		slog.String("approver_role", rec.ApproverRole),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return nil
}

// SendFunc posts text to a channel.
type SendFunc func(ctx context.Context, channel, text string) error

// MessageNotifier posts approval requests to a chat channel.
type MessageNotifier struct {
	channel string
	send    SendFunc
}

// NewMessageNotifier creates a notifier that posts to channel through send.
func NewMessageNotifier(channel string, send SendFunc) *MessageNotifier {
	return &MessageNotifier{channel: channel, send: send}
}

// Notify formats rec and sends it.
func (n *MessageNotifier) Notify(ctx context.Context, rec ApprovalRecord) error {
	if n.send == nil {
		return errors.New("message notifier: no sender")
	}
	return n.send(ctx, n.channel, FormatApproval(rec))
}

// FormatApproval renders rec as a short human-readable message.
func FormatApproval(rec ApprovalRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval %s required for tool %q (run %s, agent %s)", rec.ID, rec.ToolName, rec.RunID, rec.AgentID)
	if rec.ApproverRole != "" {
		fmt.Fprintf(&b, "\nApprover: %s", rec.ApproverRole)
	}
	if rec.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", rec.Reason)
	}
	if !rec.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "\nExpires: %s", rec.ExpiresAt.UTC().Format("2006-01-02 15:04:05Z"))
	}
	return b.String()
}

// Notifiers fans out to several notifiers and joins their errors.
type Notifiers []Notifier

// Notify calls every notifier.
func (ns Notifiers) Notify(ctx context.Context, rec ApprovalRecord) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
