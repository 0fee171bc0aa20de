// Package screener implements the per-cycle triage workflow: collect
// labeled messages, detect conflicts, and process each clean sender
// through contact upsert, sweep, and label removal.
package screener

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"mailroom/config"
	"mailroom/core/domain"
	"mailroom/core/port/out"
	"mailroom/internal/metrics"
)

// Per-sender pipeline outcomes, also used as metric labels.
const (
	outcomeCreated        = "created"
	outcomeExisting       = "existing"
	outcomeAlreadyGrouped = "already_grouped"
	outcomeError          = "error"
)

// Service runs one triage cycle at a time. It is single-writer: Poll is
// never invoked concurrently with itself.
type Service struct {
	cfg        *config.Config
	mail       out.MailboxClient
	contacts   out.ContactStore
	mailboxIDs map[string]string
	metrics    metrics.Collector
	log        zerolog.Logger
}

// NewService wires the workflow. mailboxIDs must contain every name from
// cfg.RequiredMailboxes, resolved at startup.
func NewService(
	cfg *config.Config,
	mail out.MailboxClient,
	contacts out.ContactStore,
	mailboxIDs map[string]string,
	collector metrics.Collector,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:        cfg,
		mail:       mail,
		contacts:   contacts,
		mailboxIDs: mailboxIDs,
		metrics:    collector,
		log:        log.With().Str("component", "screener").Logger(),
	}
}

// Poll runs one triage cycle and returns the number of senders whose
// pipeline completed. Flagged senders (conflicts, wrong-group contacts)
// are handled but not counted.
func (s *Service) Poll(ctx context.Context, trigger string) (int, error) {
	start := time.Now()
	processed, err := s.poll(ctx)
	s.metrics.CycleCompleted(trigger, err == nil, time.Since(start).Seconds())
	if err != nil {
		return processed, err
	}
	s.log.Debug().
		Str("trigger", trigger).
		Int("processed", processed).
		Dur("took", time.Since(start)).
		Msg("cycle finished")
	return processed, nil
}

func (s *Service) poll(ctx context.Context) (int, error) {
	set, err := s.collect(ctx)
	if err != nil {
		return 0, err
	}
	if set.Empty() {
		return 0, nil
	}

	if err := s.filterErrored(ctx, set); err != nil {
		return 0, err
	}
	if set.Empty() {
		return 0, nil
	}

	conflicted := splitConflicted(set)
	for _, sender := range sortedSenders(conflicted) {
		s.markConflicted(ctx, sender, conflicted[sender])
	}

	processed := 0
	for _, sender := range sortedSenders(set.BySender) {
		items := set.BySender[sender]
		outcome, err := s.processSender(ctx, sender, items, set.DisplayNames[sender])
		if err != nil {
			// Action labels are untouched, so the next cycle retries this
			// sender.
			s.log.Warn().Err(err).Str("sender", string(sender)).Msg("sender pipeline failed, will retry next cycle")
			s.metrics.SenderProcessed(outcomeError)
			continue
		}
		s.metrics.SenderProcessed(outcome)
		if outcome == outcomeCreated || outcome == outcomeExisting {
			processed++
		}
	}
	return processed, nil
}

// collect queries every action label and resolves senders in batch.
func (s *Service) collect(ctx context.Context) (*domain.TriageSet, error) {
	type hit struct {
		id    string
		label string
	}
	var hits []hit
	var ids []string
	for _, label := range s.cfg.TriageLabels() {
		labelID, ok := s.mailboxIDs[label]
		if !ok {
			return nil, fmt.Errorf("screener: no mailbox id for label %q", label)
		}
		msgs, err := s.mail.QueryEmails(ctx, labelID, "")
		if err != nil {
			return nil, fmt.Errorf("screener: query label %q: %w", label, err)
		}
		for _, id := range msgs {
			hits = append(hits, hit{id: id, label: label})
			ids = append(ids, id)
		}
	}
	if len(hits) == 0 {
		return domain.NewTriageSet(), nil
	}

	senders, err := s.mail.GetSenders(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("screener: resolve senders: %w", err)
	}

	set := domain.NewTriageSet()
	for _, h := range hits {
		info, ok := senders[h.id]
		if !ok {
			s.log.Warn().Str("message_id", h.id).Msg("message has no From header, skipping")
			continue
		}
		sender := domain.NormalizeSender(info.Email)
		set.Add(sender, domain.TriagedItem{MessageID: h.id, Label: h.label}, info.DisplayName)
	}
	return set, nil
}

// filterErrored drops messages that already carry the error label, and
// senders left with nothing.
func (s *Service) filterErrored(ctx context.Context, set *domain.TriageSet) error {
	var ids []string
	for _, items := range set.BySender {
		ids = append(ids, domain.MessageIDs(items)...)
	}
	assignments, err := s.mail.GetMailboxAssignments(ctx, ids)
	if err != nil {
		return fmt.Errorf("screener: read mailbox assignments: %w", err)
	}

	errorID := s.mailboxIDs[s.cfg.ErrorLabel]
	for sender, items := range set.BySender {
		kept := items[:0]
		for _, it := range items {
			if assignments[it.MessageID][errorID] {
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(set.BySender, sender)
			delete(set.DisplayNames, sender)
			continue
		}
		set.BySender[sender] = kept
	}
	return nil
}

// splitConflicted removes senders carrying more than one distinct action
// label from the set and returns them separately.
func splitConflicted(set *domain.TriageSet) map[domain.Sender][]domain.TriagedItem {
	conflicted := make(map[domain.Sender][]domain.TriagedItem)
	for sender, items := range set.BySender {
		if len(domain.Labels(items)) > 1 {
			conflicted[sender] = items
			delete(set.BySender, sender)
			delete(set.DisplayNames, sender)
		}
	}
	return conflicted
}

// markConflicted flags a conflicted sender's messages with the error
// label, leaving the action labels in place as forensics. Failures are
// logged and swallowed so one bad message cannot stall the cycle.
func (s *Service) markConflicted(ctx context.Context, sender domain.Sender, items []domain.TriagedItem) {
	s.log.Warn().
		Str("sender", string(sender)).
		Strs("labels", domain.Labels(items)).
		Int("messages", len(items)).
		Msg("sender has conflicting action labels, flagging")
	s.metrics.ConflictDetected(len(items))
	s.flagMessages(ctx, domain.MessageIDs(items))
}

// flagMessages best-effort adds the error label to the given messages.
func (s *Service) flagMessages(ctx context.Context, messageIDs []string) {
	errorID := s.mailboxIDs[s.cfg.ErrorLabel]
	for _, id := range messageIDs {
		if err := s.mail.AddLabel(ctx, id, errorID); err != nil {
			s.log.Warn().Err(err).Str("message_id", id).Msg("could not apply error label")
		}
	}
}

// processSender runs the ordered pipeline for one clean sender. Any error
// aborts this sender only; the action label survives for a retry.
func (s *Service) processSender(ctx context.Context, sender domain.Sender, items []domain.TriagedItem, displayName string) (string, error) {
	label := items[0].Label
	cat := s.cfg.CategoryByLabel(label)
	if cat == nil {
		return outcomeError, fmt.Errorf("screener: no category for label %q", label)
	}
	messageIDs := domain.MessageIDs(items)

	// An existing contact already filed in another group means the user
	// (or a previous run) decided differently; flag instead of moving it.
	matches, err := s.contacts.SearchContact(ctx, string(sender))
	if err != nil {
		return outcomeError, err
	}
	if len(matches) > 0 && matches[0].UID != "" {
		other, err := s.contacts.CheckMembership(ctx, matches[0].UID, cat.ContactGroup)
		if err != nil {
			return outcomeError, err
		}
		if other != "" {
			s.log.Warn().
				Str("sender", string(sender)).
				Str("group", other).
				Str("target_group", cat.ContactGroup).
				Msg("contact already belongs to another group, flagging")
			s.flagMessages(ctx, messageIDs)
			return outcomeAlreadyGrouped, nil
		}
	}

	result, err := s.contacts.UpsertContact(ctx, out.UpsertRequest{
		Email:       string(sender),
		DisplayName: displayName,
		GroupName:   cat.ContactGroup,
		ContactType: cat.ContactType,
	})
	if err != nil {
		return outcomeError, err
	}

	if s.cfg.WarningsEnabled && result.NameMismatch {
		s.warnNameMismatch(ctx, sender, messageIDs)
	}

	if err := s.sweep(ctx, sender, cat); err != nil {
		return outcomeError, err
	}

	// Removing the action label is the commit point, so it comes after
	// everything else succeeded.
	labelID := s.mailboxIDs[label]
	for _, id := range messageIDs {
		if err := s.mail.RemoveLabel(ctx, id, labelID); err != nil {
			return outcomeError, fmt.Errorf("screener: remove action label from %s: %w", id, err)
		}
	}

	s.log.Info().
		Str("sender", string(sender)).
		Str("category", cat.Name).
		Str("action", string(result.Action)).
		Msg("sender triaged")
	if result.Action == domain.UpsertCreated {
		return outcomeCreated, nil
	}
	return outcomeExisting, nil
}

// warnNameMismatch best-effort applies the warning label.
func (s *Service) warnNameMismatch(ctx context.Context, sender domain.Sender, messageIDs []string) {
	warnID, ok := s.mailboxIDs[s.cfg.WarningLabel]
	if !ok {
		return
	}
	s.log.Warn().Str("sender", string(sender)).Msg("display name differs from existing contact")
	for _, id := range messageIDs {
		if err := s.mail.AddLabel(ctx, id, warnID); err != nil {
			s.log.Warn().Err(err).Str("message_id", id).Msg("could not apply warning label")
		}
	}
}

// sweep moves every Screener message from this sender to the category's
// destination mailbox.
func (s *Service) sweep(ctx context.Context, sender domain.Sender, cat *config.ResolvedCategory) error {
	screenerID := s.mailboxIDs[s.cfg.ScreenerMailbox]
	destID, ok := s.mailboxIDs[cat.DestinationMailbox]
	if !ok {
		return fmt.Errorf("screener: no mailbox id for destination %q", cat.DestinationMailbox)
	}

	ids, err := s.mail.QueryEmails(ctx, screenerID, string(sender))
	if err != nil {
		return fmt.Errorf("screener: query screener for %s: %w", sender, err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.mail.BatchMove(ctx, ids, screenerID, []string{destID}); err != nil {
		return fmt.Errorf("screener: sweep %s: %w", sender, err)
	}
	s.metrics.MessagesSwept(len(ids))
	s.log.Info().
		Str("sender", string(sender)).
		Str("destination", cat.DestinationMailbox).
		Int("messages", len(ids)).
		Msg("messages swept")
	return nil
}

func sortedSenders(m map[domain.Sender][]domain.TriagedItem) []domain.Sender {
	senders := make([]domain.Sender, 0, len(m))
	for s := range m {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })
	return senders
}
