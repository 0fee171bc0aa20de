// Package domain holds the core Mailroom types shared by services and
// adapters.
package domain

import "strings"

// Sender is the grouping key of the triage pipeline: a normalized
// (lowercased) email address.
type Sender string

// NormalizeSender lowercases an address so the same sender always maps to
// the same pipeline key.
func NormalizeSender(email string) Sender {
	return Sender(strings.ToLower(strings.TrimSpace(email)))
}

// SenderInfo is the From-header extract for a single message.
type SenderInfo struct {
	Email       string
	DisplayName string
}

// TriagedItem is one message currently carrying an action label in the
// screener namespace.
type TriagedItem struct {
	MessageID string
	Label     string
}

// TriageSet is the per-cycle collection of triaged messages grouped by
// sender, plus the best display name seen per sender. It is built at the
// start of a poll cycle and discarded at the end.
type TriageSet struct {
	BySender     map[Sender][]TriagedItem
	DisplayNames map[Sender]string
}

// NewTriageSet returns an empty triage set.
func NewTriageSet() *TriageSet {
	return &TriageSet{
		BySender:     make(map[Sender][]TriagedItem),
		DisplayNames: make(map[Sender]string),
	}
}

// Add records a triaged message for a sender. The first non-empty display
// name observed for a sender wins.
func (ts *TriageSet) Add(sender Sender, item TriagedItem, displayName string) {
	ts.BySender[sender] = append(ts.BySender[sender], item)
	if displayName != "" && ts.DisplayNames[sender] == "" {
		ts.DisplayNames[sender] = displayName
	}
}

// Empty reports whether no senders were collected.
func (ts *TriageSet) Empty() bool {
	return len(ts.BySender) == 0
}

// Labels returns the distinct action labels across a sender's items.
func Labels(items []TriagedItem) []string {
	seen := make(map[string]bool, 1)
	var labels []string
	for _, it := range items {
		if !seen[it.Label] {
			seen[it.Label] = true
			labels = append(labels, it.Label)
		}
	}
	return labels
}

// MessageIDs extracts the message IDs of a sender's items.
func MessageIDs(items []TriagedItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.MessageID)
	}
	return ids
}
