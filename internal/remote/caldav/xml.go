package caldav

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
)

type multistatus struct {
	XMLName   xml.Name     `xml:"DAV: multistatus"`
	Responses []msResponse `xml:"DAV: response"`
	SyncToken string       `xml:"DAV: sync-token"`
}

type msResponse struct {
	Href     string     `xml:"DAV: href"`
	Status   string     `xml:"DAV: status"`
	Propstat []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	ETag         string `xml:"DAV: getetag"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// ok returns the propstat carrying the resource properties.
func (r msResponse) ok() (propstat, bool) {
	for _, ps := range r.Propstat {
		if statusCode(ps.Status) == http.StatusOK {
			return ps, true
		}
	}
	return propstat{}, false
}

// statusCode parses "HTTP/1.1 404 Not Found".
func statusCode(s string) int {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(fields[1])
	return code
}

// syncRequest builds an RFC 6578 sync-collection body. An empty token asks for
// the full collection.
func syncRequest(token string) string {
	var tok bytes.Buffer
	_ = xml.EscapeText(&tok, []byte(token))

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<d:sync-collection xmlns:d="` + nsDAV + `" xmlns:c="` + nsCalDAV + `">`)
	b.WriteString(`<d:sync-token>` + tok.String() + `</d:sync-token>`)
	b.WriteString(`<d:sync-level>1</d:sync-level>`)
	b.WriteString(`<d:prop><d:getetag/><c:calendar-data/></d:prop>`)
	b.WriteString(`</d:sync-collection>`)
	return b.String()
}
