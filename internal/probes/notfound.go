// Package probes recognises page kinds and link clicks that produce
// single telemetry events: error pages, search results, downloads and
// outbound, affiliate or share links.
package probes

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vincentbai/engagetrace/internal/page"
)

// NotFound fires at most once per page load when the page is an error page.
type NotFound struct {
	once  sync.Once
	newID func() string
}

func NewNotFound() *NotFound {
	return &NotFound{newID: uuid.NewString}
}

// IsErrorPage reports whether the document is a 404 page.
func IsErrorPage(p *page.Page) bool {
	if p.BodyHasClass("error404") {
		return true
	}
	title := strings.ToLower(p.Title())
	return strings.Contains(title, "page not found") || strings.HasPrefix(title, "404")
}

// Check returns the 404_track payload on the first call for an error page.
func (n *NotFound) Check(p *page.Page) (map[string]any, bool) {
	if !IsErrorPage(p) {
		return nil, false
	}
	var payload map[string]any
	n.once.Do(func() {
		payload = map[string]any{
			"load_id":  n.newID(),
			"referrer": p.Referrer,
			"path":     pathOf(p.URL),
		}
	})
	return payload, payload != nil
}
