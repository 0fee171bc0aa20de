package config

import (
	"errors"
	"fmt"
	"strings"
)

// ContactType selects how a vCard is built for a new contact.
type ContactType string

const (
	ContactTypeCompany ContactType = "company"
	ContactTypePerson  ContactType = "person"
)

// Category is a triage category as written in the YAML file. Only Name is
// required; every other field is derived from the name when left empty
// (see ResolveCategories).
type Category struct {
	Name               string `yaml:"name"`
	Label              string `yaml:"label"`
	ContactGroup       string `yaml:"contact_group"`
	DestinationMailbox string `yaml:"destination_mailbox"`
	ContactType        string `yaml:"contact_type"`
	Parent             string `yaml:"parent"`
}

// ResolvedCategory is a fully resolved triage category with all fields
// concrete. Immutable after config load.
type ResolvedCategory struct {
	Name               string
	Label              string
	ContactGroup       string
	DestinationMailbox string
	ContactType        ContactType
	Parent             string
}

// DeriveLabel derives the action label from a category name:
// "Paper Trail" -> "@ToPaperTrail".
func DeriveLabel(name string) string {
	return "@To" + strings.Join(strings.Fields(name), "")
}

// ResolveCategories turns user-provided categories into fully concrete
// ones. Two passes: derive missing fields from the name, then apply parent
// inheritance (children inherit contact_group and destination_mailbox from
// their parent unless explicitly overridden). Validation errors are
// collected and reported together.
func ResolveCategories(categories []Category) ([]ResolvedCategory, error) {
	var errs []error

	if len(categories) == 0 {
		return nil, errors.New("config: at least one triage category is required")
	}

	// First pass: resolve own fields.
	firstPass := make(map[string]ResolvedCategory, len(categories))
	order := make([]string, 0, len(categories))

	for i, cat := range categories {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("config: category %d has an empty name", i))
			continue
		}
		if _, dup := firstPass[name]; dup {
			errs = append(errs, fmt.Errorf("config: duplicate category name %q", name))
			continue
		}

		ct := ContactType(cat.ContactType)
		switch ct {
		case "":
			ct = ContactTypeCompany
		case ContactTypeCompany, ContactTypePerson:
		default:
			errs = append(errs, fmt.Errorf("config: category %q: contact_type must be %q or %q, got %q",
				name, ContactTypeCompany, ContactTypePerson, cat.ContactType))
			continue
		}

		r := ResolvedCategory{
			Name:               name,
			Label:              cat.Label,
			ContactGroup:       cat.ContactGroup,
			DestinationMailbox: cat.DestinationMailbox,
			ContactType:        ct,
			Parent:             cat.Parent,
		}
		if r.Label == "" {
			r.Label = DeriveLabel(name)
		}
		if r.ContactGroup == "" {
			r.ContactGroup = name
		}
		if r.DestinationMailbox == "" {
			r.DestinationMailbox = name
		}

		firstPass[name] = r
		order = append(order, name)
	}

	// Parent references and cycle detection.
	for _, name := range order {
		r := firstPass[name]
		if r.Parent == "" {
			continue
		}
		if _, ok := firstPass[r.Parent]; !ok {
			errs = append(errs, fmt.Errorf("config: category %q references unknown parent %q", name, r.Parent))
			continue
		}
		seen := map[string]bool{name: true}
		for cur := r.Parent; cur != ""; {
			if seen[cur] {
				errs = append(errs, fmt.Errorf("config: category %q is part of a parent cycle", name))
				break
			}
			seen[cur] = true
			next, ok := firstPass[cur]
			if !ok {
				break
			}
			cur = next.Parent
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Second pass: parent inheritance. Only fields the user left empty in
	// the YAML inherit; the original Category records which were explicit.
	originals := make(map[string]Category, len(categories))
	for _, cat := range categories {
		originals[strings.TrimSpace(cat.Name)] = cat
	}

	// Parents resolve before their children regardless of declaration
	// order. Cycles were rejected above, so the recursion terminates.
	inherited := make(map[string]ResolvedCategory, len(order))
	var inherit func(name string) ResolvedCategory
	inherit = func(name string) ResolvedCategory {
		if r, ok := inherited[name]; ok {
			return r
		}
		r := firstPass[name]
		if r.Parent != "" {
			parent := inherit(r.Parent)
			orig := originals[name]
			if orig.ContactGroup == "" {
				r.ContactGroup = parent.ContactGroup
			}
			if orig.DestinationMailbox == "" {
				r.DestinationMailbox = parent.DestinationMailbox
			}
		}
		inherited[name] = r
		return r
	}

	resolved := make([]ResolvedCategory, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, inherit(name))
	}

	// Post-inheritance validation: unique labels; a contact group may be
	// shared only within a parent/child pair.
	labelOwner := make(map[string]string)
	groupOwner := make(map[string][]ResolvedCategory)
	for _, r := range resolved {
		if owner, dup := labelOwner[r.Label]; dup {
			errs = append(errs, fmt.Errorf("config: categories %q and %q derive the same label %q", owner, r.Name, r.Label))
		} else {
			labelOwner[r.Label] = r.Name
		}
		groupOwner[r.ContactGroup] = append(groupOwner[r.ContactGroup], r)
	}
	for group, members := range groupOwner {
		if len(members) < 2 {
			continue
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				if a.Parent == b.Name || b.Parent == a.Name {
					continue
				}
				errs = append(errs, fmt.Errorf(
					"config: categories %q and %q share contact group %q without a parent/child relationship",
					a.Name, b.Name, group))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return resolved, nil
}
