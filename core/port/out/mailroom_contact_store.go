package out

import (
	"context"

	"mailroom/config"
	"mailroom/core/domain"
)

// UpsertRequest carries everything the contact store needs to
// search-or-create a contact and place it in a group.
type UpsertRequest struct {
	Email       string
	DisplayName string
	GroupName   string
	ContactType config.ContactType
}

// ContactStore is the outbound port for the CardDAV contact store.
type ContactStore interface {
	// ValidateGroups checks that every required group exists, failing
	// with all missing names at once. The returned map is keyed by group
	// name.
	ValidateGroups(ctx context.Context, names []string) (map[string]domain.GroupInfo, error)

	// ListGroups enumerates all group-kind cards in the addressbook.
	ListGroups(ctx context.Context) (map[string]domain.GroupInfo, error)

	// SearchContact finds contact cards carrying the address,
	// case-insensitively.
	SearchContact(ctx context.Context, email string) ([]domain.ContactMatch, error)

	// CheckMembership returns the name of some group containing uid that
	// is not excludeGroup, or "" when there is none.
	CheckMembership(ctx context.Context, uid, excludeGroup string) (string, error)

	// UpsertContact searches by email, creates a card when absent, and
	// merge-cautiously updates when present; either way the contact ends
	// up in the requested group.
	UpsertContact(ctx context.Context, req UpsertRequest) (*domain.UpsertResult, error)

	// CreateGroup creates an empty contact group card. Used by setup only.
	CreateGroup(ctx context.Context, name string) (*domain.GroupInfo, error)
}
