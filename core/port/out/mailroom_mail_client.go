// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"

	"mailroom/core/domain"
)

// MailboxClient is the outbound port for the hosted mail provider's
// JSON-over-HTTP mailbox protocol. Implemented by the JMAP adapter.
type MailboxClient interface {
	// ResolveMailboxes maps mailbox names to server IDs. "Inbox" resolves
	// by the server's role tag; other names prefer the top-level entry
	// when duplicates exist. Fails listing every missing name.
	ResolveMailboxes(ctx context.Context, names []string) (map[string]string, error)

	// QueryEmails lists message IDs in a mailbox, optionally filtered by
	// sender address. Pagination happens under the hood.
	QueryEmails(ctx context.Context, mailboxID, sender string) ([]string, error)

	// GetSenders extracts the first From address (and display name, if
	// any) per message. Messages without a From header are absent from
	// the result.
	GetSenders(ctx context.Context, messageIDs []string) (map[string]domain.SenderInfo, error)

	// GetMailboxAssignments returns, per message, the set of mailbox IDs
	// it currently belongs to.
	GetMailboxAssignments(ctx context.Context, messageIDs []string) (map[string]map[string]bool, error)

	// AddLabel adds a single mailbox membership to a message.
	AddLabel(ctx context.Context, messageID, mailboxID string) error

	// RemoveLabel removes a single mailbox membership from a message,
	// leaving all others untouched.
	RemoveLabel(ctx context.Context, messageID, mailboxID string) error

	// BatchMove atomically removes one mailbox and adds one or more for
	// each message, chunked into batches of at most 100. Fails naming the
	// rejected IDs if any sub-update is refused.
	BatchMove(ctx context.Context, messageIDs []string, removeID string, addIDs []string) error

	// CreateMailbox creates a mailbox, optionally under a parent. Used by
	// setup only.
	CreateMailbox(ctx context.Context, name, parentID string) (string, error)
}
