// Package jmap implements the MailboxClient port against a JMAP mail
// server (Fastmail in practice).
package jmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"mailroom/core/domain"
	"mailroom/core/port/out"
	"mailroom/pkg/httputil"
)

const (
	// Email/query page size. Fastmail accepts far more, but pages keep
	// individual responses small.
	queryPageSize = 256

	// Email/set updates are chunked so a single oversized batch cannot be
	// rejected wholesale.
	batchMoveChunkSize = 100
)

// ErrNotConnected is returned when a method call happens before Connect.
var ErrNotConnected = errors.New("jmap: client is not connected, call Connect first")

// Client is a stateless request/response JMAP client over an
// authenticated session.
type Client struct {
	hostname string
	token    string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[[]Invocation]
	log      zerolog.Logger

	apiURL         string
	eventSourceURL string
	accountID      string
}

var _ out.MailboxClient = (*Client)(nil)

// NewClient builds an unconnected client for the given API hostname.
func NewClient(hostname, token string, log zerolog.Logger) *Client {
	return &Client{
		hostname: hostname,
		token:    token,
		http:     httputil.NewClient(httputil.APIClientConfig()),
		breaker: gobreaker.NewCircuitBreaker[[]Invocation](gobreaker.Settings{
			Name: "jmap",
		}),
		log: log.With().Str("component", "jmap").Logger(),
	}
}

// Connect discovers the JMAP session: API URL, primary mail account, and
// the EventSource URL (when the server offers one).
func (c *Client) Connect(ctx context.Context) error {
	base := c.hostname
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/jmap/session", nil)
	if err != nil {
		return fmt.Errorf("jmap: build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jmap: session discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jmap: session discovery returned %s", resp.Status)
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("jmap: decode session: %w", err)
	}

	accountID, ok := session.PrimaryAccounts[mailCapability]
	if !ok || accountID == "" {
		return errors.New("jmap: session has no primary mail account")
	}

	c.apiURL = session.APIURL
	c.eventSourceURL = session.EventSourceURL
	c.accountID = accountID

	c.log.Info().
		Str("account_id", accountID).
		Bool("eventsource", session.EventSourceURL != "").
		Msg("session discovered")
	return nil
}

// AccountID returns the primary mail account ID.
func (c *Client) AccountID() string { return c.accountID }

// EventSourceURL returns the SSE endpoint from session discovery, or ""
// when the server offers none.
func (c *Client) EventSourceURL() string { return c.eventSourceURL }

// Call executes method calls against the API endpoint and returns the raw
// method responses.
func (c *Client) Call(ctx context.Context, calls []Invocation) ([]Invocation, error) {
	if c.apiURL == "" {
		return nil, ErrNotConnected
	}
	return c.breaker.Execute(func() ([]Invocation, error) {
		return c.doCall(ctx, calls)
	})
}

func (c *Client) doCall(ctx context.Context, calls []Invocation) ([]Invocation, error) {
	body, err := json.Marshal(apiRequest{
		Using:       usingCapabilities,
		MethodCalls: calls,
	})
	if err != nil {
		return nil, fmt.Errorf("jmap: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("jmap: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jmap: api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("jmap: api call returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("jmap: decode response: %w", err)
	}
	return decoded.MethodResponses, nil
}

// callSingle issues one method call and unpacks the single response,
// converting protocol "error" responses into *MethodError.
func (c *Client) callSingle(ctx context.Context, method string, args any, result any) error {
	inv, err := NewInvocation(method, args, "c0")
	if err != nil {
		return err
	}
	responses, err := c.Call(ctx, []Invocation{inv})
	if err != nil {
		return err
	}
	if len(responses) == 0 {
		return fmt.Errorf("jmap: %s returned no responses", method)
	}
	first := responses[0]
	if first.Name == "error" {
		var me MethodError
		if err := json.Unmarshal(first.Args, &me); err != nil {
			return fmt.Errorf("jmap: %s failed with undecodable error: %w", method, err)
		}
		me.Method = method
		return &me
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(first.Args, result); err != nil {
		return fmt.Errorf("jmap: decode %s result: %w", method, err)
	}
	return nil
}

// ResolveMailboxes maps names to IDs using a single Mailbox/get. "Inbox"
// resolves by role so a user folder named Inbox cannot shadow it; other
// names prefer the top-level mailbox when duplicates exist at different
// hierarchy levels.
func (c *Client) ResolveMailboxes(ctx context.Context, names []string) (map[string]string, error) {
	if c.accountID == "" {
		return nil, ErrNotConnected
	}

	var result mailboxGetResult
	err := c.callSingle(ctx, "Mailbox/get", mailboxGetArgs{AccountID: c.accountID}, &result)
	if err != nil {
		return nil, err
	}

	nameToID := make(map[string]string, len(result.List))
	inboxID := ""
	for _, mb := range result.List {
		if mb.Role == "inbox" {
			inboxID = mb.ID
		}
		if _, seen := nameToID[mb.Name]; !seen || mb.ParentID == nil {
			nameToID[mb.Name] = mb.ID
		}
	}

	resolved := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		switch {
		case name == "Inbox" && inboxID != "":
			resolved[name] = inboxID
		case name == "Inbox":
			missing = append(missing, name)
		default:
			if id, ok := nameToID[name]; ok {
				resolved[name] = id
			} else {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("jmap: required mailboxes not found: %s", strings.Join(missing, ", "))
	}
	return resolved, nil
}

// ListMailboxNames returns every mailbox name on the account, with
// "Inbox" included when a role-tagged inbox exists. Used by setup.
func (c *Client) ListMailboxNames(ctx context.Context) (map[string]bool, error) {
	if c.accountID == "" {
		return nil, ErrNotConnected
	}
	var result mailboxGetResult
	if err := c.callSingle(ctx, "Mailbox/get", mailboxGetArgs{AccountID: c.accountID}, &result); err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(result.List))
	for _, mb := range result.List {
		if mb.Role == "inbox" {
			names["Inbox"] = true
		}
		names[mb.Name] = true
	}
	return names, nil
}

// QueryEmails pages through Email/query for a mailbox, optionally
// narrowed to a sender address.
func (c *Client) QueryEmails(ctx context.Context, mailboxID, sender string) ([]string, error) {
	if c.accountID == "" {
		return nil, ErrNotConnected
	}

	var all []string
	position := 0
	for {
		var result emailQueryResult
		err := c.callSingle(ctx, "Email/query", emailQueryArgs{
			AccountID: c.accountID,
			Filter:    emailQueryFilter{InMailbox: mailboxID, From: sender},
			Position:  position,
			Limit:     queryPageSize,
		}, &result)
		if err != nil {
			return nil, err
		}
		all = append(all, result.IDs...)
		if len(result.IDs) < queryPageSize {
			return all, nil
		}
		position += len(result.IDs)
	}
}

// GetSenders extracts the first From address per message. Whitespace-only
// display names collapse to empty.
func (c *Client) GetSenders(ctx context.Context, messageIDs []string) (map[string]domain.SenderInfo, error) {
	if len(messageIDs) == 0 {
		return map[string]domain.SenderInfo{}, nil
	}
	var result emailGetResult
	err := c.callSingle(ctx, "Email/get", emailGetArgs{
		AccountID:  c.accountID,
		IDs:        messageIDs,
		Properties: []string{"id", "from"},
	}, &result)
	if err != nil {
		return nil, err
	}

	senders := make(map[string]domain.SenderInfo, len(result.List))
	for _, e := range result.List {
		if len(e.From) == 0 || e.From[0].Email == "" {
			continue
		}
		senders[e.ID] = domain.SenderInfo{
			Email:       e.From[0].Email,
			DisplayName: strings.TrimSpace(e.From[0].Name),
		}
	}
	return senders, nil
}

// GetMailboxAssignments returns each message's current mailbox ID set.
func (c *Client) GetMailboxAssignments(ctx context.Context, messageIDs []string) (map[string]map[string]bool, error) {
	if len(messageIDs) == 0 {
		return map[string]map[string]bool{}, nil
	}
	var result emailGetResult
	err := c.callSingle(ctx, "Email/get", emailGetArgs{
		AccountID:  c.accountID,
		IDs:        messageIDs,
		Properties: []string{"id", "mailboxIds"},
	}, &result)
	if err != nil {
		return nil, err
	}

	assignments := make(map[string]map[string]bool, len(result.List))
	for _, e := range result.List {
		assignments[e.ID] = e.MailboxIDs
	}
	return assignments, nil
}

// AddLabel adds one mailbox membership to a message.
func (c *Client) AddLabel(ctx context.Context, messageID, mailboxID string) error {
	return c.setMailboxPatch(ctx, messageID, map[string]any{
		"mailboxIds/" + mailboxID: true,
	})
}

// RemoveLabel removes one mailbox membership from a message.
func (c *Client) RemoveLabel(ctx context.Context, messageID, mailboxID string) error {
	return c.setMailboxPatch(ctx, messageID, map[string]any{
		"mailboxIds/" + mailboxID: nil,
	})
}

func (c *Client) setMailboxPatch(ctx context.Context, messageID string, patch map[string]any) error {
	var result emailSetResult
	err := c.callSingle(ctx, "Email/set", emailSetArgs{
		AccountID: c.accountID,
		Update:    map[string]map[string]any{messageID: patch},
	}, &result)
	if err != nil {
		return err
	}
	return notUpdatedError(result.NotUpdated)
}

// BatchMove removes one mailbox and adds one or more per message, in
// chunks of at most batchMoveChunkSize updates per request.
func (c *Client) BatchMove(ctx context.Context, messageIDs []string, removeID string, addIDs []string) error {
	for start := 0; start < len(messageIDs); start += batchMoveChunkSize {
		end := start + batchMoveChunkSize
		if end > len(messageIDs) {
			end = len(messageIDs)
		}

		update := make(map[string]map[string]any, end-start)
		for _, id := range messageIDs[start:end] {
			patch := map[string]any{"mailboxIds/" + removeID: nil}
			for _, add := range addIDs {
				patch["mailboxIds/"+add] = true
			}
			update[id] = patch
		}

		var result emailSetResult
		err := c.callSingle(ctx, "Email/set", emailSetArgs{
			AccountID: c.accountID,
			Update:    update,
		}, &result)
		if err != nil {
			return err
		}
		if err := notUpdatedError(result.NotUpdated); err != nil {
			return err
		}
	}
	return nil
}

// CreateMailbox creates one mailbox, optionally under a parent.
func (c *Client) CreateMailbox(ctx context.Context, name, parentID string) (string, error) {
	create := mailboxCreate{Name: name}
	if parentID != "" {
		create.ParentID = &parentID
	}

	var result mailboxSetResult
	err := c.callSingle(ctx, "Mailbox/set", mailboxSetArgs{
		AccountID: c.accountID,
		Create:    map[string]mailboxCreate{"mb0": create},
	}, &result)
	if err != nil {
		return "", err
	}
	if se, ok := result.NotCreated["mb0"]; ok {
		return "", fmt.Errorf("jmap: mailbox %q not created: %s (%s)", name, se.Type, se.Description)
	}
	created, ok := result.Created["mb0"]
	if !ok {
		return "", fmt.Errorf("jmap: mailbox %q not present in Mailbox/set response", name)
	}
	return created.ID, nil
}

// notUpdatedError flattens a notUpdated collection into one failure that
// names every rejected ID and the server's reason.
func notUpdatedError(notUpdated map[string]SetError) error {
	if len(notUpdated) == 0 {
		return nil
	}
	ids := make([]string, 0, len(notUpdated))
	for id := range notUpdated {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	reasons := make([]string, 0, len(ids))
	for _, id := range ids {
		se := notUpdated[id]
		if se.Description != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s (%s)", id, se.Type, se.Description))
		} else {
			reasons = append(reasons, fmt.Sprintf("%s: %s", id, se.Type))
		}
	}
	return fmt.Errorf("jmap: %d updates rejected: %s", len(ids), strings.Join(reasons, "; "))
}
