package carddav

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"

	"mailroom/config"
)

const (
	fieldGroupKind   = "X-ADDRESSBOOKSERVER-KIND"
	fieldGroupMember = "X-ADDRESSBOOKSERVER-MEMBER"
	groupKindValue   = "group"
	memberURNPrefix  = "urn:uuid:"
	vcardVersion     = "3.0"
)

// newContactCard builds a fresh vCard for a sender. Companies carry the
// name in ORG with an empty N; people get FN plus an N split on the first
// whitespace.
func newContactCard(email, displayName string, contactType config.ContactType, now time.Time) (vcard.Card, string) {
	uid := uuid.NewString()
	fn := strings.TrimSpace(displayName)
	if fn == "" {
		fn = localPart(email)
	}

	card := make(vcard.Card)
	card.SetValue(vcard.FieldVersion, vcardVersion)
	card.SetValue(vcard.FieldUID, uid)
	card.SetValue(vcard.FieldFormattedName, fn)

	if contactType == config.ContactTypeCompany {
		card.SetValue(vcard.FieldOrganization, fn)
		card.AddName(&vcard.Name{})
	} else {
		given, family := splitDisplayName(fn)
		card.AddName(&vcard.Name{GivenName: given, FamilyName: family})
	}

	card.Add(vcard.FieldEmail, &vcard.Field{
		Value:  email,
		Params: vcard.Params{vcard.ParamType: {"INTERNET"}},
	})
	card.SetValue(vcard.FieldNote, addedNote(now))
	return card, uid
}

// newGroupCard builds an empty contact-group card.
func newGroupCard(name string) (vcard.Card, string) {
	uid := uuid.NewString()
	card := make(vcard.Card)
	card.SetValue(vcard.FieldVersion, vcardVersion)
	card.SetValue(vcard.FieldUID, uid)
	card.SetValue(vcard.FieldFormattedName, name)
	card.AddName(&vcard.Name{FamilyName: name})
	card.SetValue(fieldGroupKind, groupKindValue)
	return card, uid
}

// isGroupCard reports whether a card is a contact group.
func isGroupCard(card vcard.Card) bool {
	return strings.EqualFold(card.Value(fieldGroupKind), groupKindValue)
}

// groupMembers lists the member UIDs of a group card, URN prefix stripped.
func groupMembers(card vcard.Card) []string {
	var uids []string
	for _, v := range card.Values(fieldGroupMember) {
		uids = append(uids, strings.TrimPrefix(v, memberURNPrefix))
	}
	return uids
}

// hasMember reports whether the group card already references uid.
func hasMember(card vcard.Card, uid string) bool {
	for _, m := range groupMembers(card) {
		if m == uid {
			return true
		}
	}
	return false
}

// addMember appends a member reference to a group card.
func addMember(card vcard.Card, uid string) {
	card.AddValue(fieldGroupMember, memberURNPrefix+uid)
}

// hasEmail reports whether the card already carries the address,
// case-insensitively.
func hasEmail(card vcard.Card, email string) bool {
	for _, v := range card.Values(vcard.FieldEmail) {
		if strings.EqualFold(strings.TrimSpace(v), email) {
			return true
		}
	}
	return false
}

// addEmail appends an address to an existing card without touching the
// ones already there.
func addEmail(card vcard.Card, email string) {
	card.Add(vcard.FieldEmail, &vcard.Field{
		Value:  email,
		Params: vcard.Params{vcard.ParamType: {"INTERNET"}},
	})
}

// appendUpdatedNote records the touch on the card's NOTE, creating it when
// missing.
func appendUpdatedNote(card vcard.Card, now time.Time) {
	note := card.Value(vcard.FieldNote)
	if note == "" {
		card.SetValue(vcard.FieldNote, addedNote(now))
		return
	}
	card.SetValue(vcard.FieldNote, note+"\n"+updatedNote(now))
}

func addedNote(now time.Time) string {
	return fmt.Sprintf("Added by Mailroom on %s", now.UTC().Format("2006-01-02"))
}

func updatedNote(now time.Time) string {
	return fmt.Sprintf("Updated by Mailroom on %s", now.UTC().Format("2006-01-02"))
}

// splitDisplayName splits a person's display name on the first run of
// whitespace. A single token is all given name.
func splitDisplayName(name string) (given, family string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// localPart returns the part of an address before the @.
func localPart(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}

// decodeCard parses a single vCard from serialized form.
func decodeCard(data string) (vcard.Card, error) {
	card, err := vcard.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("carddav: decode card: %w", err)
	}
	return card, nil
}

// encodeCard serializes a card, forcing the 3.0 version the server's
// group extensions expect.
func encodeCard(card vcard.Card) ([]byte, error) {
	card.SetValue(vcard.FieldVersion, vcardVersion)
	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, fmt.Errorf("carddav: encode card: %w", err)
	}
	return buf.Bytes(), nil
}
