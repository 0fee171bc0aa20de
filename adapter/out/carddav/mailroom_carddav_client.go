// Package carddav implements the ContactStore port against a CardDAV
// addressbook (Fastmail in practice), including the Apple-style group
// extensions Fastmail uses.
package carddav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"mailroom/core/domain"
	"mailroom/core/port/out"
	"mailroom/pkg/httputil"
)

// Group membership is a read-modify-write on the whole group card, so
// concurrent writers (another client, webmail) can invalidate the ETag
// between GET and PUT.
const groupUpdateAttempts = 3

// ErrNotConnected is returned when a store call happens before Connect.
var ErrNotConnected = errors.New("carddav: client is not connected, call Connect first")

// davResult is a raw HTTP exchange outcome. Non-2xx statuses are data,
// not transport failures, so they pass through the breaker untripped.
type davResult struct {
	status int
	header http.Header
	body   []byte
}

// Client talks WebDAV/CardDAV to a single addressbook collection.
type Client struct {
	hostname string
	username string
	password string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[*davResult]
	log      zerolog.Logger
	now      func() time.Time

	addressbookURL string

	mu     sync.Mutex
	groups map[string]domain.GroupInfo
}

var _ out.ContactStore = (*Client)(nil)

// NewClient builds an unconnected client for the given CardDAV hostname.
func NewClient(hostname, username, password string, log zerolog.Logger) *Client {
	return &Client{
		hostname: hostname,
		username: username,
		password: password,
		http:     httputil.NewClient(httputil.APIClientConfig()),
		breaker: gobreaker.NewCircuitBreaker[*davResult](gobreaker.Settings{
			Name: "carddav",
		}),
		log:    log.With().Str("component", "carddav").Logger(),
		now:    time.Now,
		groups: make(map[string]domain.GroupInfo),
	}
}

// Connect walks the WebDAV discovery chain: current-user-principal on the
// server root, addressbook-home-set on the principal, then the first
// addressbook collection under the home (preferring one named Default).
func (c *Client) Connect(ctx context.Context) error {
	ms, err := c.propfind(ctx, c.absURL("/"), propfindPrincipal, "0")
	if err != nil {
		return fmt.Errorf("carddav: principal discovery: %w", err)
	}
	principal := ""
	for _, resp := range ms.Responses {
		if prop := resp.okProp(); prop != nil && prop.CurrentUserPrincipal != nil {
			principal = prop.CurrentUserPrincipal.Href
			break
		}
	}
	if principal == "" {
		return errors.New("carddav: server reported no current-user-principal")
	}

	ms, err = c.propfind(ctx, c.absURL(principal), propfindAddressbookHome, "0")
	if err != nil {
		return fmt.Errorf("carddav: addressbook home discovery: %w", err)
	}
	home := ""
	for _, resp := range ms.Responses {
		if prop := resp.okProp(); prop != nil && prop.AddressbookHomeSet != nil {
			home = prop.AddressbookHomeSet.Href
			break
		}
	}
	if home == "" {
		return errors.New("carddav: principal reported no addressbook-home-set")
	}

	ms, err = c.propfind(ctx, c.absURL(home), propfindAddressbooks, "1")
	if err != nil {
		return fmt.Errorf("carddav: addressbook listing: %w", err)
	}
	first := ""
	for _, resp := range ms.Responses {
		prop := resp.okProp()
		if prop == nil || prop.ResourceType == nil || prop.ResourceType.Addressbook == nil {
			continue
		}
		if first == "" {
			first = resp.Href
		}
		if strings.EqualFold(prop.DisplayName, "Default") {
			first = resp.Href
			break
		}
	}
	if first == "" {
		return errors.New("carddav: no addressbook collection under home set")
	}

	c.addressbookURL = c.absURL(first)
	c.log.Info().Str("addressbook", first).Msg("addressbook discovered")
	return nil
}

// ListGroups enumerates group-kind cards in the addressbook.
func (c *Client) ListGroups(ctx context.Context) (map[string]domain.GroupInfo, error) {
	cards, err := c.listGroupCards(ctx)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]domain.GroupInfo, len(cards))
	for _, gc := range cards {
		groups[gc.Name] = gc.GroupInfo
	}
	return groups, nil
}

// ValidateGroups checks that every named group exists, reporting all
// missing names in one error. Found groups are cached for later
// membership writes.
func (c *Client) ValidateGroups(ctx context.Context, names []string) (map[string]domain.GroupInfo, error) {
	groups, err := c.ListGroups(ctx)
	if err != nil {
		return nil, err
	}

	found := make(map[string]domain.GroupInfo, len(names))
	var missing []string
	for _, name := range names {
		info, ok := groups[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		found[name] = info
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("carddav: required contact groups not found: %s", strings.Join(missing, ", "))
	}

	c.mu.Lock()
	for name, info := range found {
		c.groups[name] = info
	}
	c.mu.Unlock()
	return found, nil
}

// SearchContact finds non-group cards carrying the address. The server
// match is advisory; membership of the address is re-checked on the
// decoded card.
func (c *Client) SearchContact(ctx context.Context, email string) ([]domain.ContactMatch, error) {
	if c.addressbookURL == "" {
		return nil, ErrNotConnected
	}
	ms, err := c.report(ctx, c.addressbookURL, reportByEmail(email))
	if err != nil {
		return nil, err
	}

	var matches []domain.ContactMatch
	for _, res := range cardResources(ms) {
		card, err := decodeCard(res.Data)
		if err != nil {
			c.log.Warn().Err(err).Str("href", res.Href).Msg("skipping undecodable card")
			continue
		}
		if isGroupCard(card) || !hasEmail(card, email) {
			continue
		}
		matches = append(matches, domain.ContactMatch{
			Href:     res.Href,
			ETag:     res.ETag,
			UID:      card.Value(vcard.FieldUID),
			CardData: []byte(res.Data),
		})
	}
	return matches, nil
}

// CheckMembership returns the name of some group other than excludeGroup
// that contains uid, or "" when there is none.
func (c *Client) CheckMembership(ctx context.Context, uid, excludeGroup string) (string, error) {
	cards, err := c.listGroupCards(ctx)
	if err != nil {
		return "", err
	}
	for _, gc := range cards {
		if gc.Name == excludeGroup {
			continue
		}
		for _, member := range gc.Members {
			if member == uid {
				return gc.Name, nil
			}
		}
	}
	return "", nil
}

// UpsertContact searches by address and either creates a new card or
// cautiously updates the existing one, then ensures group membership.
func (c *Client) UpsertContact(ctx context.Context, req out.UpsertRequest) (*domain.UpsertResult, error) {
	if c.addressbookURL == "" {
		return nil, ErrNotConnected
	}

	matches, err := c.SearchContact(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return c.createContact(ctx, req)
	}
	if len(matches) > 1 {
		c.log.Warn().
			Str("email", req.Email).
			Int("matches", len(matches)).
			Msg("multiple cards carry this address, updating the first")
	}
	return c.updateContact(ctx, req, matches[0])
}

func (c *Client) createContact(ctx context.Context, req out.UpsertRequest) (*domain.UpsertResult, error) {
	card, uid := newContactCard(req.Email, req.DisplayName, req.ContactType, c.now())
	data, err := encodeCard(card)
	if err != nil {
		return nil, err
	}

	href := c.cardURL(uid)
	res, err := c.do(ctx, http.MethodPut, href, data, map[string]string{
		"Content-Type":  "text/vcard; charset=utf-8",
		"If-None-Match": "*",
	})
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusCreated && res.status != http.StatusNoContent && res.status != http.StatusOK {
		return nil, fmt.Errorf("carddav: create contact returned %d", res.status)
	}

	group, err := c.addToGroup(ctx, req.GroupName, uid)
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("email", req.Email).
		Str("group", req.GroupName).
		Msg("contact created")
	return &domain.UpsertResult{Action: domain.UpsertCreated, UID: uid, Group: group.Name}, nil
}

func (c *Client) updateContact(ctx context.Context, req out.UpsertRequest, match domain.ContactMatch) (*domain.UpsertResult, error) {
	card, err := decodeCard(string(match.CardData))
	if err != nil {
		return nil, err
	}
	uid := card.Value(vcard.FieldUID)
	if uid == "" {
		return nil, fmt.Errorf("carddav: card %s has no UID, cannot manage group membership", match.Href)
	}

	preFN := strings.TrimSpace(card.Value(vcard.FieldFormattedName))
	changed := false
	if !hasEmail(card, req.Email) {
		addEmail(card, req.Email)
		changed = true
	}
	if preFN == "" && req.DisplayName != "" {
		card.SetValue(vcard.FieldFormattedName, req.DisplayName)
		changed = true
	}
	nameMismatch := preFN != "" && req.DisplayName != "" && preFN != req.DisplayName

	if changed {
		appendUpdatedNote(card, c.now())
		data, err := encodeCard(card)
		if err != nil {
			return nil, err
		}
		res, err := c.do(ctx, http.MethodPut, c.absURL(match.Href), data, map[string]string{
			"Content-Type": "text/vcard; charset=utf-8",
			"If-Match":     match.ETag,
		})
		if err != nil {
			return nil, err
		}
		if res.status == http.StatusPreconditionFailed {
			return nil, fmt.Errorf("carddav: card %s changed concurrently", match.Href)
		}
		if res.status >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("carddav: update contact returned %d", res.status)
		}
	}

	group, err := c.addToGroup(ctx, req.GroupName, uid)
	if err != nil {
		return nil, err
	}
	return &domain.UpsertResult{
		Action:       domain.UpsertExisting,
		UID:          uid,
		Group:        group.Name,
		NameMismatch: nameMismatch,
	}, nil
}

// CreateGroup creates an empty group card. Used by setup.
func (c *Client) CreateGroup(ctx context.Context, name string) (*domain.GroupInfo, error) {
	if c.addressbookURL == "" {
		return nil, ErrNotConnected
	}

	card, uid := newGroupCard(name)
	data, err := encodeCard(card)
	if err != nil {
		return nil, err
	}

	href := c.cardURL(uid)
	res, err := c.do(ctx, http.MethodPut, href, data, map[string]string{
		"Content-Type":  "text/vcard; charset=utf-8",
		"If-None-Match": "*",
	})
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusCreated && res.status != http.StatusNoContent && res.status != http.StatusOK {
		return nil, fmt.Errorf("carddav: create group returned %d", res.status)
	}

	info := domain.GroupInfo{
		Name: name,
		Href: href,
		ETag: res.header.Get("ETag"),
		UID:  uid,
	}
	c.mu.Lock()
	c.groups[name] = info
	c.mu.Unlock()

	c.log.Info().Str("group", name).Msg("contact group created")
	return &info, nil
}

// addToGroup adds uid to the named group via an ETag-guarded
// read-modify-write. Already-present membership short-circuits, which
// makes the whole operation idempotent.
func (c *Client) addToGroup(ctx context.Context, groupName, uid string) (*domain.GroupInfo, error) {
	info, err := c.groupInfo(ctx, groupName)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= groupUpdateAttempts; attempt++ {
		card, etag, err := c.getCard(ctx, info.Href)
		if err != nil {
			return nil, err
		}
		if hasMember(card, uid) {
			info.ETag = etag
			return &info, nil
		}

		addMember(card, uid)
		data, err := encodeCard(card)
		if err != nil {
			return nil, err
		}
		res, err := c.do(ctx, http.MethodPut, c.absURL(info.Href), data, map[string]string{
			"Content-Type": "text/vcard; charset=utf-8",
			"If-Match":     etag,
		})
		if err != nil {
			return nil, err
		}
		if res.status == http.StatusPreconditionFailed {
			c.log.Debug().
				Str("group", groupName).
				Int("attempt", attempt).
				Msg("group card changed concurrently, refetching")
			continue
		}
		if res.status >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("carddav: group update returned %d", res.status)
		}

		info.ETag = res.header.Get("ETag")
		c.mu.Lock()
		c.groups[groupName] = info
		c.mu.Unlock()
		return &info, nil
	}
	return nil, fmt.Errorf("carddav: group %q kept changing concurrently, gave up after %d attempts", groupName, groupUpdateAttempts)
}

// groupInfo resolves a group from the validated cache, falling back to a
// fresh listing for groups created after startup.
func (c *Client) groupInfo(ctx context.Context, name string) (domain.GroupInfo, error) {
	c.mu.Lock()
	info, ok := c.groups[name]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	groups, err := c.ListGroups(ctx)
	if err != nil {
		return domain.GroupInfo{}, err
	}
	info, ok = groups[name]
	if !ok {
		return domain.GroupInfo{}, fmt.Errorf("carddav: contact group %q not found", name)
	}
	c.mu.Lock()
	c.groups[name] = info
	c.mu.Unlock()
	return info, nil
}

// ---------------------------------------------------------------------------
// Wire helpers
// ---------------------------------------------------------------------------

type groupCard struct {
	domain.GroupInfo
	Members []string
}

func (c *Client) listGroupCards(ctx context.Context) ([]groupCard, error) {
	if c.addressbookURL == "" {
		return nil, ErrNotConnected
	}
	ms, err := c.report(ctx, c.addressbookURL, reportAllCards)
	if err != nil {
		return nil, err
	}

	var cards []groupCard
	for _, res := range cardResources(ms) {
		card, err := decodeCard(res.Data)
		if err != nil {
			c.log.Warn().Err(err).Str("href", res.Href).Msg("skipping undecodable card")
			continue
		}
		if !isGroupCard(card) {
			continue
		}
		name := strings.TrimSpace(card.Value(vcard.FieldFormattedName))
		if name == "" {
			continue
		}
		cards = append(cards, groupCard{
			GroupInfo: domain.GroupInfo{
				Name: name,
				Href: res.Href,
				ETag: res.ETag,
				UID:  card.Value(vcard.FieldUID),
			},
			Members: groupMembers(card),
		})
	}
	return cards, nil
}

func (c *Client) propfind(ctx context.Context, url, body, depth string) (*multistatus, error) {
	res, err := c.do(ctx, "PROPFIND", url, []byte(body), map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
		"Depth":        depth,
	})
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusMultiStatus {
		return nil, fmt.Errorf("carddav: PROPFIND %s returned %d", url, res.status)
	}
	return parseMultistatus(res.body)
}

func (c *Client) report(ctx context.Context, url, body string) (*multistatus, error) {
	res, err := c.do(ctx, "REPORT", url, []byte(body), map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
		"Depth":        "1",
	})
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusMultiStatus {
		return nil, fmt.Errorf("carddav: REPORT returned %d", res.status)
	}
	return parseMultistatus(res.body)
}

func (c *Client) getCard(ctx context.Context, href string) (card vcard.Card, etag string, err error) {
	res, err := c.do(ctx, http.MethodGet, c.absURL(href), nil, nil)
	if err != nil {
		return nil, "", err
	}
	if res.status != http.StatusOK {
		return nil, "", fmt.Errorf("carddav: GET %s returned %d", href, res.status)
	}
	card, err = decodeCard(string(res.body))
	if err != nil {
		return nil, "", err
	}
	return card, res.header.Get("ETag"), nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*davResult, error) {
	return c.breaker.Execute(func() (*davResult, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("carddav: build %s request: %w", method, err)
		}
		req.SetBasicAuth(c.username, c.password)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("carddav: %s %s: %w", method, url, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("carddav: read %s response: %w", method, err)
		}
		return &davResult{status: resp.StatusCode, header: resp.Header, body: data}, nil
	})
}

// cardURL builds the resource URL for a new card in the addressbook.
func (c *Client) cardURL(uid string) string {
	return strings.TrimSuffix(c.addressbookURL, "/") + "/" + uid + ".vcf"
}

// absURL resolves a DAV href, which servers return either absolute or
// host-relative.
func (c *Client) absURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	base := c.hostname
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return base + href
}
