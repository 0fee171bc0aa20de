// Package setup reconciles the mail account with the configuration:
// missing mailboxes and contact groups are reported, and created when
// apply is requested.
package setup

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"mailroom/config"
	"mailroom/core/domain"
)

// MailProvisioner is the slice of the mail client setup needs.
type MailProvisioner interface {
	ListMailboxNames(ctx context.Context) (map[string]bool, error)
	CreateMailbox(ctx context.Context, name, parentID string) (string, error)
}

// GroupProvisioner is the slice of the contact store setup needs.
type GroupProvisioner interface {
	ListGroups(ctx context.Context) (map[string]domain.GroupInfo, error)
	CreateGroup(ctx context.Context, name string) (*domain.GroupInfo, error)
}

// Item is one resource in the reconciliation plan.
type Item struct {
	Kind    string // "mailbox" or "group"
	Name    string
	Exists  bool
	Created bool
}

// Report is the outcome of a Run.
type Report struct {
	Items   []Item
	Applied bool
}

// Missing counts items that do not exist yet (and were not created).
func (r *Report) Missing() int {
	n := 0
	for _, it := range r.Items {
		if !it.Exists && !it.Created {
			n++
		}
	}
	return n
}

// Provisioner compares required resources against the account.
type Provisioner struct {
	cfg    *config.Config
	mail   MailProvisioner
	groups GroupProvisioner
	log    zerolog.Logger
}

// NewProvisioner wires a provisioner.
func NewProvisioner(cfg *config.Config, mail MailProvisioner, groups GroupProvisioner, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		mail:   mail,
		groups: groups,
		log:    log.With().Str("component", "setup").Logger(),
	}
}

// Run builds the plan and, when apply is set, creates everything missing.
// The dry run never mutates anything.
func (p *Provisioner) Run(ctx context.Context, apply bool) (*Report, error) {
	existing, err := p.mail.ListMailboxNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup: list mailboxes: %w", err)
	}
	groups, err := p.groups.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup: list contact groups: %w", err)
	}

	report := &Report{Applied: apply}
	for _, name := range p.cfg.RequiredMailboxes() {
		item := Item{Kind: "mailbox", Name: name, Exists: existing[name]}
		if !item.Exists && apply {
			if name == "Inbox" {
				return nil, fmt.Errorf("setup: account has no role-tagged Inbox, cannot create one")
			}
			if _, err := p.mail.CreateMailbox(ctx, name, ""); err != nil {
				return nil, fmt.Errorf("setup: create mailbox %q: %w", name, err)
			}
			item.Created = true
			p.log.Info().Str("mailbox", name).Msg("mailbox created")
		}
		report.Items = append(report.Items, item)
	}

	required := p.cfg.ContactGroups()
	sort.Strings(required)
	for _, name := range required {
		_, exists := groups[name]
		item := Item{Kind: "group", Name: name, Exists: exists}
		if !exists && apply {
			if _, err := p.groups.CreateGroup(ctx, name); err != nil {
				return nil, fmt.Errorf("setup: create contact group %q: %w", name, err)
			}
			item.Created = true
			p.log.Info().Str("group", name).Msg("contact group created")
		}
		report.Items = append(report.Items, item)
	}
	return report, nil
}

// Render writes a human-readable reconciliation report.
func Render(w io.Writer, report *Report, cfg *config.Config) {
	fmt.Fprintln(w, "Mailboxes:")
	renderKind(w, report, "mailbox")
	fmt.Fprintln(w, "Contact groups:")
	renderKind(w, report, "group")

	if !report.Applied && report.Missing() > 0 {
		fmt.Fprintf(w, "\n%d resources missing. Re-run with --apply to create them.\n", report.Missing())
	}
	if report.Applied {
		fmt.Fprintln(w, "\nAccount reconciled.")
	}

	fmt.Fprintln(w, "\nRemaining manual steps:")
	for _, group := range cfg.ContactGroups() {
		fmt.Fprintf(w, "  - Add a mail rule: if the sender is in contact group %q, file the message in the matching mailbox and skip %s.\n",
			group, cfg.ScreenerMailbox)
	}
	fmt.Fprintf(w, "  - Add a catch-all rule filing unknown senders into %s.\n", cfg.ScreenerMailbox)
}

func renderKind(w io.Writer, report *Report, kind string) {
	for _, it := range report.Items {
		if it.Kind != kind {
			continue
		}
		switch {
		case it.Exists:
			fmt.Fprintf(w, "  ok      %s\n", it.Name)
		case it.Created:
			fmt.Fprintf(w, "  created %s\n", it.Name)
		default:
			fmt.Fprintf(w, "  missing %s\n", it.Name)
		}
	}
}
