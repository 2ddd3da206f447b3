// Package tracking rewrites outgoing HTML so opens and clicks come back to
// the gateway's tracking endpoints.
package tracking

import (
	"fmt"
	"html"
	"net/url"
	"strings"
)

const (
	OpenPath  = "/api/v1/emails/track/open/"
	ClickPath = "/api/v1/emails/track/click/"
)

// Links builds tracking URLs for one email.
type Links struct {
	BaseURL   string
	EmailID   string
	Recipient string
}

func (l Links) base() string {
	return strings.TrimRight(l.BaseURL, "/")
}

func (l Links) recipientQuery() string {
	if l.Recipient == "" {
		return ""
	}
	return "r=" + url.QueryEscape(l.Recipient)
}

func (l Links) OpenURL() string {
	u := l.base() + OpenPath + url.PathEscape(l.EmailID)
	if q := l.recipientQuery(); q != "" {
		u += "?" + q
	}
	return u
}

func (l Links) ClickURL(target string) string {
	u := l.base() + ClickPath + url.PathEscape(l.EmailID) + "?url=" + url.QueryEscape(target)
	if q := l.recipientQuery(); q != "" {
		u += "&" + q
	}
	return u
}

// Decorate appends the open pixel and routes every absolute http(s) link
// through the click endpoint. Links already pointing at the tracking
// endpoints are left alone.
func Decorate(body string, l Links) string {
	body = rewriteLinks(body, l)

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`,
		html.EscapeString(l.OpenURL()))
	if i := lastIndexFold(body, "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}

func rewriteLinks(body string, l Links) string {
	const attr = `href="`

	var out strings.Builder
	out.Grow(len(body))

	rest := body
	for {
		start := indexFold(rest, attr)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		start += len(attr)
		end := strings.IndexByte(rest[start:], '"')
		if end < 0 {
			out.WriteString(rest)
			break
		}

		out.WriteString(rest[:start])
		raw := rest[start : start+end]
		target := html.UnescapeString(raw)
		if isTrackable(target, l.base()) {
			out.WriteString(html.EscapeString(l.ClickURL(target)))
		} else {
			out.WriteString(raw)
		}
		rest = rest[start+end:]
	}
	return out.String()
}

func isTrackable(target, base string) bool {
	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	return !strings.HasPrefix(target, base+ClickPath) && !strings.HasPrefix(target, base+OpenPath)
}

// indexFold and lastIndexFold match ASCII case-insensitively without
// changing byte offsets.
func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func lastIndexFold(s, substr string) int {
	for i := len(s) - len(substr); i >= 0; i-- {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}
