package carddav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"mailroom/core/domain"
	"mailroom/core/port/out"

	"mailroom/config"
)

type putRecord struct {
	path    string
	headers http.Header
	body    string
}

// davServer fakes the discovery chain, card REPORTs, and the group-card
// read-modify-write cycle.
type davServer struct {
	t      *testing.T
	server *httptest.Server

	groupHref    string
	groupCard    string
	groupETag    int
	conflictOnce bool

	searchCards []cardResource // served for prop-filter REPORTs
	groupGets   int
	puts        []putRecord
}

func newDAVServer(t *testing.T) *davServer {
	t.Helper()
	s := &davServer{
		t:         t,
		groupHref: "/books/Default/imbox-group.vcf",
		groupCard: groupText("Imbox", "imbox-uid"),
		groupETag: 1,
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func groupText(name, uid string, members ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCARD\r\nVERSION:3.0\r\n")
	fmt.Fprintf(&b, "UID:%s\r\nFN:%s\r\nN:%s;;;;\r\n", uid, name, name)
	b.WriteString("X-ADDRESSBOOKSERVER-KIND:group\r\n")
	for _, m := range members {
		fmt.Fprintf(&b, "X-ADDRESSBOOKSERVER-MEMBER:urn:uuid:%s\r\n", m)
	}
	b.WriteString("END:VCARD\r\n")
	return b.String()
}

func contactText(uid, fn, email string) string {
	return fmt.Sprintf(
		"BEGIN:VCARD\r\nVERSION:3.0\r\nUID:%s\r\nFN:%s\r\nN:;;;;\r\nEMAIL;TYPE=INTERNET:%s\r\nEND:VCARD\r\n",
		uid, fn, email)
}

func (s *davServer) etag() string { return fmt.Sprintf(`"g-%d"`, s.groupETag) }

func (s *davServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.Method == "PROPFIND" && r.URL.Path == "/":
		s.multistatus(w, `<d:response><d:href>/</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop>
			<d:current-user-principal><d:href>/principal/</d:href></d:current-user-principal>
			</d:prop></d:propstat></d:response>`)

	case r.Method == "PROPFIND" && r.URL.Path == "/principal/":
		s.multistatus(w, `<d:response><d:href>/principal/</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop>
			<card:addressbook-home-set><d:href>/books/</d:href></card:addressbook-home-set>
			</d:prop></d:propstat></d:response>`)

	case r.Method == "PROPFIND" && r.URL.Path == "/books/":
		s.multistatus(w, `<d:response><d:href>/books/</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop>
			<d:resourcetype><d:collection/></d:resourcetype>
			</d:prop></d:propstat></d:response>
			<d:response><d:href>/books/Default/</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop>
			<d:resourcetype><d:collection/><card:addressbook/></d:resourcetype>
			<d:displayname>Default</d:displayname>
			</d:prop></d:propstat></d:response>`)

	case r.Method == "REPORT":
		var resources []cardResource
		if strings.Contains(string(body), "prop-filter") {
			resources = s.searchCards
		} else {
			resources = []cardResource{{Href: s.groupHref, ETag: s.etag(), Data: s.groupCard}}
		}
		var b strings.Builder
		for _, res := range resources {
			fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop>
				<d:getetag>%s</d:getetag>
				<card:address-data>%s</card:address-data>
				</d:prop></d:propstat></d:response>`, res.Href, res.ETag, res.Data)
		}
		s.multistatus(w, b.String())

	case r.Method == "GET" && r.URL.Path == s.groupHref:
		s.groupGets++
		w.Header().Set("ETag", s.etag())
		io.WriteString(w, s.groupCard)

	case r.Method == "PUT":
		s.puts = append(s.puts, putRecord{path: r.URL.Path, headers: r.Header.Clone(), body: string(body)})
		if r.URL.Path == s.groupHref {
			if s.conflictOnce {
				s.conflictOnce = false
				s.groupETag++ // concurrent edit happened
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			if match := r.Header.Get("If-Match"); match != "" && match != s.etag() {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			s.groupCard = string(body)
			s.groupETag++
			w.Header().Set("ETag", s.etag())
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("ETag", `"c-1"`)
		w.WriteHeader(http.StatusCreated)

	default:
		s.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *davServer) multistatus(w http.ResponseWriter, responses string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusMultiStatus)
	fmt.Fprintf(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">%s</d:multistatus>`, responses)
}

func connectedClient(t *testing.T, s *davServer) *Client {
	t.Helper()
	c := NewClient(s.server.URL, "user", "pass", zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func TestConnectDiscoveryChain(t *testing.T) {
	s := newDAVServer(t)
	c := connectedClient(t, s)
	if want := s.server.URL + "/books/Default/"; c.addressbookURL != want {
		t.Errorf("addressbook url = %s, want %s", c.addressbookURL, want)
	}
}

func TestValidateGroupsReportsAllMissing(t *testing.T) {
	s := newDAVServer(t)
	c := connectedClient(t, s)

	_, err := c.ValidateGroups(context.Background(), []string{"Imbox", "Feed", "Paper"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "Feed") || !strings.Contains(err.Error(), "Paper") {
		t.Errorf("error should list every missing group: %v", err)
	}
	if strings.Contains(err.Error(), "Imbox") {
		t.Errorf("existing group should not be listed as missing: %v", err)
	}
}

func TestUpsertCreatesContactAndJoinsGroup(t *testing.T) {
	s := newDAVServer(t)
	c := connectedClient(t, s)
	if _, err := c.ValidateGroups(context.Background(), []string{"Imbox"}); err != nil {
		t.Fatal(err)
	}

	result, err := c.UpsertContact(context.Background(), out.UpsertRequest{
		Email:       "alice@example.com",
		GroupName:   "Imbox",
		ContactType: config.ContactTypeCompany,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != domain.UpsertCreated {
		t.Errorf("expected created, got %s", result.Action)
	}
	if result.UID == "" {
		t.Error("expected a uid")
	}

	var contactPut, groupPut *putRecord
	for i := range s.puts {
		if s.puts[i].path == s.groupHref {
			groupPut = &s.puts[i]
		} else {
			contactPut = &s.puts[i]
		}
	}
	if contactPut == nil {
		t.Fatal("expected a contact PUT")
	}
	if contactPut.headers.Get("If-None-Match") != "*" {
		t.Error("contact creation must use create-if-absent semantics")
	}
	if !strings.Contains(contactPut.body, "alice@example.com") {
		t.Error("contact card should carry the address")
	}
	if groupPut == nil {
		t.Fatal("expected a group PUT")
	}
	if !strings.Contains(groupPut.body, "urn:uuid:"+result.UID) {
		t.Error("group card should reference the new contact")
	}
	if groupPut.headers.Get("If-Match") == "" {
		t.Error("group update must be ETag-guarded")
	}
}

func TestUpsertExistingUnchangedSkipsWrite(t *testing.T) {
	s := newDAVServer(t)
	s.groupCard = groupText("Imbox", "imbox-uid", "u1")
	s.searchCards = []cardResource{{
		Href: "/books/Default/u1.vcf",
		ETag: `"c-1"`,
		Data: contactText("u1", "Old Name", "carol@example.com"),
	}}

	c := connectedClient(t, s)
	if _, err := c.ValidateGroups(context.Background(), []string{"Imbox"}); err != nil {
		t.Fatal(err)
	}

	result, err := c.UpsertContact(context.Background(), out.UpsertRequest{
		Email:       "carol@example.com",
		DisplayName: "New Name",
		GroupName:   "Imbox",
		ContactType: config.ContactTypeCompany,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != domain.UpsertExisting {
		t.Errorf("expected existing, got %s", result.Action)
	}
	if !result.NameMismatch {
		t.Error("differing FN should report a name mismatch")
	}
	if len(s.puts) != 0 {
		t.Errorf("nothing changed, so nothing should be written: %+v", s.puts)
	}
}

func TestUpsertFillsEmptyDisplayName(t *testing.T) {
	s := newDAVServer(t)
	s.groupCard = groupText("Imbox", "imbox-uid", "u1")
	s.searchCards = []cardResource{{
		Href: "/books/Default/u1.vcf",
		ETag: `"c-1"`,
		Data: contactText("u1", "", "carol@example.com"),
	}}

	c := connectedClient(t, s)
	if _, err := c.ValidateGroups(context.Background(), []string{"Imbox"}); err != nil {
		t.Fatal(err)
	}

	result, err := c.UpsertContact(context.Background(), out.UpsertRequest{
		Email:       "carol@example.com",
		DisplayName: "Carol Jones",
		GroupName:   "Imbox",
		ContactType: config.ContactTypeCompany,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != domain.UpsertExisting {
		t.Errorf("expected existing, got %s", result.Action)
	}
	if result.NameMismatch {
		t.Error("filling an empty FN is not a mismatch")
	}

	if len(s.puts) != 1 {
		t.Fatalf("expected exactly the contact update PUT, got %+v", s.puts)
	}
	put := s.puts[0]
	if put.headers.Get("If-Match") != `"c-1"` {
		t.Errorf("contact update must be guarded by the search ETag, got %q", put.headers.Get("If-Match"))
	}
	if !strings.Contains(put.body, "Carol Jones") {
		t.Error("updated card should carry the new display name")
	}
	if !strings.Contains(put.body, "Updated by Mailroom") && !strings.Contains(put.body, "Added by Mailroom") {
		t.Error("updated card should carry a note line")
	}
}

func TestGroupAddRetriesOnConflict(t *testing.T) {
	s := newDAVServer(t)
	s.conflictOnce = true

	c := connectedClient(t, s)
	if _, err := c.ValidateGroups(context.Background(), []string{"Imbox"}); err != nil {
		t.Fatal(err)
	}

	result, err := c.UpsertContact(context.Background(), out.UpsertRequest{
		Email:       "alice@example.com",
		GroupName:   "Imbox",
		ContactType: config.ContactTypeCompany,
	})
	if err != nil {
		t.Fatalf("conflict should be retried, got: %v", err)
	}

	if s.groupGets != 2 {
		t.Errorf("expected a refetch after the 412, got %d GETs", s.groupGets)
	}
	if got := strings.Count(s.groupCard, "urn:uuid:"+result.UID); got != 1 {
		t.Errorf("membership must be present exactly once, got %d", got)
	}
}

func TestCheckMembership(t *testing.T) {
	s := newDAVServer(t)
	s.groupCard = groupText("Imbox", "imbox-uid", "u1")

	c := connectedClient(t, s)

	group, err := c.CheckMembership(context.Background(), "u1", "Feed")
	if err != nil {
		t.Fatal(err)
	}
	if group != "Imbox" {
		t.Errorf("expected membership in Imbox, got %q", group)
	}

	group, err = c.CheckMembership(context.Background(), "u1", "Imbox")
	if err != nil {
		t.Fatal(err)
	}
	if group != "" {
		t.Errorf("the excluded group must not be reported, got %q", group)
	}
}

func TestSearchContactFiltersGroups(t *testing.T) {
	s := newDAVServer(t)
	s.searchCards = []cardResource{
		{Href: "/books/Default/g.vcf", ETag: `"1"`, Data: groupText("Imbox", "imbox-uid")},
		{Href: "/books/Default/u1.vcf", ETag: `"2"`, Data: contactText("u1", "Alice", "alice@example.com")},
	}

	c := connectedClient(t, s)
	matches, err := c.SearchContact(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].UID != "u1" {
		t.Errorf("expected the contact card only, got %+v", matches)
	}
}
