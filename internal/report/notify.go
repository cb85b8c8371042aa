package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/config"
)

// Notifier delivers the report when mail is configured. Failures are
// logged, never returned.
type Notifier struct {
	cfg    config.Notification
	sender Sender
	log    *zap.Logger
}

func NewNotifier(cfg config.Notification, sender Sender, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{cfg: cfg, sender: sender, log: logger}
}

// Deliver sends the markdown report dated date. It reports whether a mail
// was handed to the transport.
func (n *Notifier) Deliver(ctx context.Context, date, markdown string) bool {
	switch {
	case !n.cfg.Enabled:
		n.log.Info("email notification disabled")
		return false
	case !n.cfg.Complete() || n.sender == nil:
		n.log.Warn("email configuration incomplete, skipping notification")
		return false
	}

	body, err := ToHTML(markdown)
	if err != nil {
		n.log.Error("rendering report failed", zap.Error(err))
		return false
	}

	msg := Message{Subject: Subject(date), HTML: body, Text: markdown}
	if err := n.sender.Send(ctx, msg); err != nil {
		n.log.Error("sending report failed", zap.Strings("to", n.cfg.To), zap.Error(err))
		return false
	}
	n.log.Info("report sent", zap.Strings("to", n.cfg.To), zap.String("subject", msg.Subject))
	return true
}
