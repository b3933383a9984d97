// Package page models one page load of the host document.
package page

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/vincentbai/engagetrace/internal/models"
)

type Page struct {
	URL       string
	Referrer  string
	UserAgent string

	// mu guards Doc and every node reachable from it; probes mutate it when
	// injecting content.
	mu  sync.Mutex
	Doc *goquery.Document
}

// New parses the document served for rawURL.
func New(rawURL, referrer, userAgent string, html io.Reader) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page document: %w", err)
	}
	return &Page{URL: rawURL, Referrer: referrer, UserAgent: userAgent, Doc: doc}, nil
}

// FromString is New for an in-memory document.
func FromString(rawURL, referrer, userAgent, html string) (*Page, error) {
	return New(rawURL, referrer, userAgent, strings.NewReader(html))
}

func (p *Page) Context() models.PageContext {
	return models.PageContext{URL: p.URL, Referrer: p.Referrer, UserAgent: p.UserAgent}
}

// Origin is scheme://host[:port] of the page URL, or "" when unparsable.
func (p *Page) Origin() string {
	parsed, err := url.Parse(p.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// Query returns a query parameter of the page URL.
func (p *Page) Query(name string) string {
	parsed, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get(name)
}

func (p *Page) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.Doc.Find("title").First().Text())
}

// BodyHasClass reports whether <body> carries the class.
func (p *Page) BodyHasClass(class string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Doc.Find("body").HasClass(class)
}

// Find runs a selector against the document.
func (p *Page) Find(selector string) *goquery.Selection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Doc.Find(selector)
}

// Read runs fn while holding the document lock. Selections taken from this
// page must only be traversed inside Read. fn must not call other Page
// methods that take the lock.
func (p *Page) Read(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Mutate runs fn with exclusive access to the document.
func (p *Page) Mutate(fn func(doc *goquery.Document)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.Doc)
}

// HTML renders the current document.
func (p *Page) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Doc.Html()
}
