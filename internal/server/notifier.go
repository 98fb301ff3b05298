package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/peervault/peervault/internal/audit"
	"github.com/peervault/peervault/internal/escrow"
	"github.com/peervault/peervault/internal/notify"
)

// transitionNotifier fans committed escrow transitions out to notifications
// and the audit trail. It runs post-commit and must never block the ingest
// path, so every QueueEvent is bounded by its own timeout.
type transitionNotifier struct {
	dispatcher *notify.Dispatcher
	audit      *audit.Service
}

var _ escrow.TransitionListener = (*transitionNotifier)(nil)

func (n *transitionNotifier) EscrowTransitioned(ctx context.Context, e *escrow.Escrow, entry *escrow.TimelineEntry) {
	actor := escrow.IngestActor(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	eventType := "escrow." + strings.ToLower(string(entry.Event))
	title, message := transitionText(e, entry)

	if n.dispatcher != nil {
		for _, recipient := range participants(e) {
			n.dispatcher.QueueEvent(ctx, notify.Event{
				Type:      eventType,
				EscrowID:  e.ID.String(),
				Recipient: recipient,
				Title:     title,
				Message:   message,
				Metadata: map[string]any{
					"state":       string(e.State),
					"blockNumber": entry.BlockNumber,
					"txHash":      entry.TxHash,
				},
			})
		}
	}
	if n.audit != nil {
		n.audit.Log(ctx, actor, eventType, e.ID.String(), map[string]any{
			"state":       string(e.State),
			"blockNumber": entry.BlockNumber,
			"logIndex":    entry.LogIndex,
			"txHash":      entry.TxHash,
		})
	}
}

func participants(e *escrow.Escrow) []string {
	out := []string{e.Seller}
	if e.Buyer != "" {
		out = append(out, e.Buyer)
	}
	return out
}

func transitionText(e *escrow.Escrow, entry *escrow.TimelineEntry) (title, message string) {
	switch entry.Event {
	case escrow.EventCreated:
		return "Escrow created", fmt.Sprintf("Escrow %s is open for a buyer.", e.ID)
	case escrow.EventTaken:
		return "Escrow taken", fmt.Sprintf("A buyer joined escrow %s.", e.ID)
	case escrow.EventFunded:
		return "Escrow funded", fmt.Sprintf("Escrow %s is fully funded on-chain.", e.ID)
	case escrow.EventPaymentConfirmed:
		return "Payment confirmed", fmt.Sprintf("Fiat payment for escrow %s was confirmed.", e.ID)
	case escrow.EventDisputed:
		return "Escrow disputed", fmt.Sprintf("Escrow %s entered dispute.", e.ID)
	case escrow.EventResolved:
		return "Escrow resolved", fmt.Sprintf("Escrow %s was resolved by arbitration.", e.ID)
	case escrow.EventReleased:
		return "Funds released", fmt.Sprintf("Crypto for escrow %s was released.", e.ID)
	case escrow.EventCancelled:
		return "Escrow cancelled", fmt.Sprintf("Escrow %s was cancelled.", e.ID)
	default:
		return "Escrow updated", fmt.Sprintf("Escrow %s changed state to %s.", e.ID, e.State)
	}
}
