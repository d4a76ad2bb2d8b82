// Package notify delivers review and comment events to interested parties.
// With SMTP configured events go out as email; otherwise they are logged so
// development environments still show the traffic.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Event kinds.
const (
	EventChangeReviewed  = "change.reviewed"
	EventCommentResolved = "comment.resolved"
	EventSessionFinished = "session.finished"
)

// Event is one notification to deliver.
type Event struct {
	Kind       string
	ContractID string
	Actor      string
	Subject    string
	Body       string
	Recipients []string
}

// Notifier is the delivery capability. Delivery failures must not fail the
// operation that produced the event; implementations report errors for
// logging only.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the structured log instead of delivering them.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.logger.Info().
		Str("kind", event.Kind).
		Str("contract", event.ContractID).
		Str("actor", event.Actor).
		Strs("recipients", event.Recipients).
		Str("subject", event.Subject).
		Msg("notification")
	return nil
}
