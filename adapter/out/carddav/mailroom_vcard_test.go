package carddav

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-vcard"

	"mailroom/config"
)

var testDate = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNewContactCardPerson(t *testing.T) {
	card, uid := newContactCard("jane@x.com", "Jane Smith", config.ContactTypePerson, testDate)
	if uid == "" {
		t.Fatal("expected a generated uid")
	}
	if card.Value(vcard.FieldUID) != uid {
		t.Error("UID field should match the returned uid")
	}
	if fn := card.Value(vcard.FieldFormattedName); fn != "Jane Smith" {
		t.Errorf("expected FN Jane Smith, got %q", fn)
	}

	name := card.Name()
	if name == nil {
		t.Fatal("expected a structured name")
	}
	if name.GivenName != "Jane" || name.FamilyName != "Smith" {
		t.Errorf("expected Jane/Smith, got %q/%q", name.GivenName, name.FamilyName)
	}
	if org := card.Value(vcard.FieldOrganization); org != "" {
		t.Errorf("person cards carry no organization, got %q", org)
	}
	if !hasEmail(card, "jane@x.com") {
		t.Error("card should carry the address")
	}
	if note := card.Value(vcard.FieldNote); !strings.Contains(note, "Added by Mailroom on 2024-06-01") {
		t.Errorf("unexpected note %q", note)
	}
}

func TestNewContactCardCompany(t *testing.T) {
	card, _ := newContactCard("news@corp.com", "Corp News", config.ContactTypeCompany, testDate)
	if org := card.Value(vcard.FieldOrganization); org != "Corp News" {
		t.Errorf("expected ORG = FN, got %q", org)
	}
	name := card.Name()
	if name != nil && (name.GivenName != "" || name.FamilyName != "") {
		t.Errorf("company cards have empty name components, got %+v", name)
	}
}

func TestNewContactCardFallsBackToLocalPart(t *testing.T) {
	card, _ := newContactCard("billing@vendor.io", "", config.ContactTypeCompany, testDate)
	if fn := card.Value(vcard.FieldFormattedName); fn != "billing" {
		t.Errorf("expected FN from the local part, got %q", fn)
	}
}

func TestSplitDisplayName(t *testing.T) {
	tests := []struct {
		in     string
		given  string
		family string
	}{
		{"Jane Smith", "Jane", "Smith"},
		{"Jane", "Jane", ""},
		{"Jane van der Berg", "Jane", "van der Berg"},
		{"", "", ""},
		{"  Jane   Smith  ", "Jane", "Smith"},
	}
	for _, tt := range tests {
		given, family := splitDisplayName(tt.in)
		if given != tt.given || family != tt.family {
			t.Errorf("splitDisplayName(%q) = %q/%q, want %q/%q", tt.in, given, family, tt.given, tt.family)
		}
	}
}

func TestGroupCardMembers(t *testing.T) {
	card, uid := newGroupCard("Imbox")
	if uid == "" {
		t.Fatal("expected a generated uid")
	}
	if !isGroupCard(card) {
		t.Error("group card should carry the group kind marker")
	}
	if hasMember(card, "abc") {
		t.Error("fresh group has no members")
	}

	addMember(card, "abc")
	addMember(card, "def")
	if !hasMember(card, "abc") || !hasMember(card, "def") {
		t.Errorf("expected both members, got %v", groupMembers(card))
	}
	members := groupMembers(card)
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %v", members)
	}
}

func TestGroupCardSurvivesRoundTrip(t *testing.T) {
	card, uid := newGroupCard("Feed")
	addMember(card, "member-1")

	data, err := encodeCard(card)
	if err != nil {
		t.Fatal(err)
	}
	back, err := decodeCard(string(data))
	if err != nil {
		t.Fatal(err)
	}
	if !isGroupCard(back) {
		t.Error("group marker lost in round trip")
	}
	if !hasMember(back, "member-1") {
		t.Errorf("membership lost in round trip: %v", groupMembers(back))
	}
	if back.Value(vcard.FieldUID) != uid {
		t.Error("uid lost in round trip")
	}
}

func TestHasEmailCaseInsensitive(t *testing.T) {
	card, _ := newContactCard("Alice@Example.COM", "", config.ContactTypeCompany, testDate)
	if !hasEmail(card, "alice@example.com") {
		t.Error("email matching must ignore case")
	}
	if hasEmail(card, "other@example.com") {
		t.Error("unexpected match")
	}
}

func TestAppendUpdatedNote(t *testing.T) {
	card := make(vcard.Card)
	appendUpdatedNote(card, testDate)
	if note := card.Value(vcard.FieldNote); !strings.Contains(note, "Added by Mailroom") {
		t.Errorf("missing note should become an added note, got %q", note)
	}

	appendUpdatedNote(card, testDate)
	note := card.Value(vcard.FieldNote)
	if !strings.Contains(note, "Updated by Mailroom on 2024-06-01") {
		t.Errorf("expected an appended update line, got %q", note)
	}
	if strings.Count(note, "Added by Mailroom") != 1 {
		t.Errorf("added line must appear once, got %q", note)
	}
}

func TestLocalPart(t *testing.T) {
	if got := localPart("alice@example.com"); got != "alice" {
		t.Errorf("expected alice, got %q", got)
	}
	if got := localPart("not-an-address"); got != "not-an-address" {
		t.Errorf("expected passthrough, got %q", got)
	}
}
