/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package phonesdk

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Page represents a paginated response. Pagination follows RFC 5988:
// next/prev URLs are parsed from the response's Link header.
type Page struct {
	Items    []json.RawMessage `json:"items"`
	NextPage string            `json:"-"`
	PrevPage string            `json:"-"`
	HasNext  bool              `json:"-"`
	HasPrev  bool              `json:"-"`
}

// NewPage creates a Page from an HTTP response, closing its body.
func NewPage(resp *http.Response) (*Page, error) {
	links := parseLinkHeader(resp.Header.Get("Link"))

	page := &Page{}
	if err := ParseResponse(resp, page); err != nil {
		return nil, err
	}

	page.NextPage = links["next"]
	page.PrevPage = links["prev"]
	page.HasNext = page.NextPage != ""
	page.HasPrev = page.PrevPage != ""

	return page, nil
}

// parseLinkHeader parses an RFC 5988 Link header value and returns a map
// of rel type to URL. For example:
//
//	<https://example.com/calls/history?cursor=abc>; rel="next"
//
// returns {"next": "https://example.com/calls/history?cursor=abc"}.
func parseLinkHeader(header string) map[string]string {
	links := make(map[string]string)
	if header == "" {
		return links
	}

	for _, part := range splitLinks(header) {
		urlStart := strings.IndexByte(part, '<')
		urlEnd := strings.IndexByte(part, '>')
		if urlStart < 0 || urlEnd <= urlStart+1 {
			continue
		}
		linkURL := part[urlStart+1 : urlEnd]

		relStart := strings.Index(part, `rel="`)
		if relStart < 0 {
			continue
		}
		relStart += len(`rel="`)
		relEnd := strings.IndexByte(part[relStart:], '"')
		if relEnd < 0 {
			continue
		}
		links[part[relStart:relStart+relEnd]] = linkURL
	}

	return links
}

// splitLinks splits a Link header value by commas, respecting angle brackets.
func splitLinks(header string) []string {
	var parts []string
	inBrackets := false
	start := 0
	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '<':
			inBrackets = true
		case '>':
			inBrackets = false
		case ',':
			if !inBrackets {
				parts = append(parts, strings.TrimSpace(header[start:i]))
				start = i + 1
			}
		}
	}
	if start < len(header) {
		parts = append(parts, strings.TrimSpace(header[start:]))
	}
	return parts
}
