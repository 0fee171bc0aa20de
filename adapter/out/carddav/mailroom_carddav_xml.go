package carddav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// PROPFIND / REPORT request bodies. The discovery chain and queries are
// fixed documents, so they live here as templates rather than being built
// element by element.
const (
	propfindPrincipal = `<?xml version="1.0" encoding="UTF-8"?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:current-user-principal/>
  </D:prop>
</D:propfind>`

	propfindAddressbookHome = `<?xml version="1.0" encoding="UTF-8"?>
<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:carddav">
  <D:prop>
    <C:addressbook-home-set/>
  </D:prop>
</D:propfind>`

	propfindAddressbooks = `<?xml version="1.0" encoding="UTF-8"?>
<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:carddav">
  <D:prop>
    <D:resourcetype/>
    <D:displayname/>
  </D:prop>
</D:propfind>`

	reportAllCards = `<?xml version="1.0" encoding="UTF-8"?>
<C:addressbook-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:carddav">
  <D:prop>
    <D:getetag/>
    <C:address-data/>
  </D:prop>
</C:addressbook-query>`

	reportByEmailTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<C:addressbook-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:carddav">
  <D:prop>
    <D:getetag/>
    <C:address-data/>
  </D:prop>
  <C:filter>
    <C:prop-filter name="EMAIL">
      <C:text-match collation="i;unicode-casemap" match-type="equals">%s</C:text-match>
    </C:prop-filter>
  </C:filter>
</C:addressbook-query>`
)

// reportByEmail renders the search-by-email REPORT body with the address
// XML-escaped.
func reportByEmail(email string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(email))
	return fmt.Sprintf(reportByEmailTemplate, buf.String())
}

// multistatus is a typed 207 Multi-Status response. Unknown properties
// are ignored by the decoder.
type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string     `xml:"href"`
	Propstats []propstat `xml:"propstat"`
}

type propstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	CurrentUserPrincipal *davHref         `xml:"current-user-principal"`
	AddressbookHomeSet   *davHref         `xml:"urn:ietf:params:xml:ns:carddav addressbook-home-set"`
	ResourceType         *davResourceType `xml:"resourcetype"`
	DisplayName          string           `xml:"displayname"`
	GetETag              string           `xml:"getetag"`
	AddressData          string           `xml:"urn:ietf:params:xml:ns:carddav address-data"`
}

type davHref struct {
	Href string `xml:"href"`
}

type davResourceType struct {
	Addressbook *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook"`
}

// cardResource is one vCard resource extracted from a multistatus body.
type cardResource struct {
	Href string
	ETag string
	Data string
}

// parseMultistatus decodes a 207 body and keeps only propstats with a 200
// status, mirroring how DAV servers report partial property failures.
func parseMultistatus(body []byte) (*multistatus, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("carddav: parse multistatus: %w", err)
	}
	return &ms, nil
}

// okProp returns the first propstat with a 200 status, or nil.
func (r davResponse) okProp() *davProp {
	for i := range r.Propstats {
		if strings.Contains(r.Propstats[i].Status, "200") {
			return &r.Propstats[i].Prop
		}
	}
	return nil
}

// cardResources extracts every address-data-bearing resource from a
// multistatus.
func cardResources(ms *multistatus) []cardResource {
	var cards []cardResource
	for _, resp := range ms.Responses {
		prop := resp.okProp()
		if prop == nil || prop.AddressData == "" {
			continue
		}
		cards = append(cards, cardResource{
			Href: resp.Href,
			ETag: prop.GetETag,
			Data: prop.AddressData,
		})
	}
	return cards
}
