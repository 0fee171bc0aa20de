package config

import (
	"strings"
	"testing"
)

func TestDeriveLabel(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Imbox", "@ToImbox"},
		{"Paper Trail", "@ToPaperTrail"},
		{"The  Feed", "@ToTheFeed"},
	}
	for _, tt := range tests {
		if got := DeriveLabel(tt.name); got != tt.want {
			t.Errorf("DeriveLabel(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestResolveCategoriesDefaults(t *testing.T) {
	resolved, err := ResolveCategories([]Category{{Name: "Feed"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected 1 category, got %d", len(resolved))
	}
	r := resolved[0]
	if r.Label != "@ToFeed" {
		t.Errorf("expected label @ToFeed, got %s", r.Label)
	}
	if r.ContactGroup != "Feed" {
		t.Errorf("expected contact group Feed, got %s", r.ContactGroup)
	}
	if r.DestinationMailbox != "Feed" {
		t.Errorf("expected destination Feed, got %s", r.DestinationMailbox)
	}
	if r.ContactType != ContactTypeCompany {
		t.Errorf("expected company contact type, got %s", r.ContactType)
	}
}

func TestResolveCategoriesParentInheritance(t *testing.T) {
	resolved, err := ResolveCategories([]Category{
		{Name: "Imbox", DestinationMailbox: "Inbox"},
		{Name: "Person", Parent: "Imbox", ContactType: "person"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var person ResolvedCategory
	for _, r := range resolved {
		if r.Name == "Person" {
			person = r
		}
	}
	if person.ContactGroup != "Imbox" {
		t.Errorf("expected inherited contact group Imbox, got %s", person.ContactGroup)
	}
	if person.DestinationMailbox != "Inbox" {
		t.Errorf("expected inherited destination Inbox, got %s", person.DestinationMailbox)
	}
	if person.Label != "@ToPerson" {
		t.Errorf("expected own label @ToPerson, got %s", person.Label)
	}
	if person.ContactType != ContactTypePerson {
		t.Errorf("expected person contact type, got %s", person.ContactType)
	}
}

func TestResolveCategoriesExplicitOverrideWins(t *testing.T) {
	resolved, err := ResolveCategories([]Category{
		{Name: "Imbox"},
		{Name: "Newsletters", Parent: "Imbox", DestinationMailbox: "Feed", ContactGroup: "Newsletters"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range resolved {
		if r.Name != "Newsletters" {
			continue
		}
		if r.DestinationMailbox != "Feed" {
			t.Errorf("explicit destination should win, got %s", r.DestinationMailbox)
		}
		if r.ContactGroup != "Newsletters" {
			t.Errorf("explicit contact group should win, got %s", r.ContactGroup)
		}
	}
}

func TestResolveCategoriesGrandchildInheritance(t *testing.T) {
	resolved, err := ResolveCategories([]Category{
		{Name: "Imbox", DestinationMailbox: "Inbox"},
		{Name: "Mid", Parent: "Imbox", ContactGroup: "Imbox"},
		{Name: "Leaf", Parent: "Mid", ContactGroup: "Mid"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range resolved {
		if r.Name == "Leaf" && r.DestinationMailbox != "Inbox" {
			t.Errorf("grandchild should inherit destination Inbox, got %s", r.DestinationMailbox)
		}
	}
}

func TestResolveCategoriesChildDeclaredBeforeParent(t *testing.T) {
	resolved, err := ResolveCategories([]Category{
		{Name: "Leaf", Parent: "Mid", ContactGroup: "Mid"},
		{Name: "Mid", Parent: "Imbox", ContactGroup: "Imbox"},
		{Name: "Imbox", DestinationMailbox: "Inbox"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range resolved {
		if r.DestinationMailbox != "Inbox" {
			t.Errorf("%s should inherit destination Inbox regardless of declaration order, got %s", r.Name, r.DestinationMailbox)
		}
	}
}

func TestResolveCategoriesValidation(t *testing.T) {
	tests := []struct {
		name       string
		categories []Category
		wantErr    string
	}{
		{
			name:       "empty list",
			categories: nil,
			wantErr:    "at least one",
		},
		{
			name:       "duplicate names",
			categories: []Category{{Name: "Feed"}, {Name: "Feed"}},
			wantErr:    "duplicate category name",
		},
		{
			name:       "unknown parent",
			categories: []Category{{Name: "Feed", Parent: "Nope"}},
			wantErr:    "unknown parent",
		},
		{
			name:       "self parent",
			categories: []Category{{Name: "Feed", Parent: "Feed"}},
			wantErr:    "cycle",
		},
		{
			name: "two-node cycle",
			categories: []Category{
				{Name: "A", Parent: "B"},
				{Name: "B", Parent: "A"},
			},
			wantErr: "cycle",
		},
		{
			name:       "bad contact type",
			categories: []Category{{Name: "Feed", ContactType: "robot"}},
			wantErr:    "contact_type",
		},
		{
			name: "duplicate labels",
			categories: []Category{
				{Name: "Paper Trail"},
				{Name: "PaperTrail"},
			},
			wantErr: "same label",
		},
		{
			name: "shared group without relationship",
			categories: []Category{
				{Name: "A", ContactGroup: "Shared"},
				{Name: "B", ContactGroup: "Shared"},
			},
			wantErr: "share contact group",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveCategories(tt.categories)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveCategoriesCollectsAllErrors(t *testing.T) {
	_, err := ResolveCategories([]Category{
		{Name: ""},
		{Name: "Feed", Parent: "Nope"},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "empty name") || !strings.Contains(msg, "unknown parent") {
		t.Errorf("expected both validation errors reported together, got %q", msg)
	}
}

func TestResolveCategoriesSharedGroupParentChildOK(t *testing.T) {
	_, err := ResolveCategories([]Category{
		{Name: "Imbox"},
		{Name: "Person", Parent: "Imbox"},
	})
	if err != nil {
		t.Fatalf("parent/child sharing a group should be allowed: %v", err)
	}
}
