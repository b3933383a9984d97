package probes

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/vincentbai/engagetrace/internal/models"
	"github.com/vincentbai/engagetrace/internal/page"
)

// DownloadExtensions is the allow-list of file types reported as downloads.
var DownloadExtensions = map[string]bool{
	"pdf": true, "zip": true, "rar": true, "7z": true, "gz": true, "tar": true,
	"doc": true, "docx": true, "xls": true, "xlsx": true, "ppt": true, "pptx": true,
	"csv": true, "txt": true, "epub": true, "mp3": true, "mp4": true,
	"dmg": true, "exe": true, "apk": true,
}

var shareHosts = map[string]string{
	"facebook.com/sharer":  "facebook",
	"twitter.com/intent":   "twitter",
	"x.com/intent":         "twitter",
	"linkedin.com/sharing": "linkedin",
	"pinterest.com/pin":    "pinterest",
	"reddit.com/submit":    "reddit",
	"wa.me":                "whatsapp",
	"api.whatsapp.com":     "whatsapp",
	"t.me/share":           "telegram",
}

var affiliateMarkers = []string{"/go/", "/recommends/", "/refer/", "amzn.to", "tag=", "aff_id=", "affiliate"}

func pathOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}

// anchor resolves a click target to its enclosing link and absolute URL.
func anchor(p *page.Page, target *goquery.Selection) (*goquery.Selection, *url.URL, bool) {
	if target == nil || target.Length() == 0 {
		return nil, nil, false
	}
	link := target.Closest("a[href]")
	if link.Length() == 0 {
		return nil, nil, false
	}
	href, _ := link.Attr("href")
	base, err := url.Parse(p.URL)
	if err != nil {
		return nil, nil, false
	}
	resolved, err := base.Parse(strings.TrimSpace(href))
	if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
		return nil, nil, false
	}
	return link, resolved, true
}

// Download returns the download payload when the clicked link points at an
// allow-listed file type. It never blocks navigation.
func Download(p *page.Page, target *goquery.Selection) (map[string]any, bool) {
	_, resolved, ok := anchor(p, target)
	if !ok {
		return nil, false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(resolved.Path)), ".")
	if !DownloadExtensions[ext] {
		return nil, false
	}
	return map[string]any{
		"file_url":  resolved.String(),
		"file_type": ext,
	}, true
}

func registrableDomain(host string) string {
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
	if err != nil {
		return strings.ToLower(host)
	}
	return domain
}

// LinkClick classifies a click on a share link or on a link leaving the
// page's registrable domain.
func LinkClick(p *page.Page, target *goquery.Selection) (models.EventType, map[string]any, bool) {
	link, resolved, ok := anchor(p, target)
	if !ok {
		return "", nil, false
	}
	targetURL := resolved.String()
	hostPath := strings.TrimPrefix(strings.ToLower(resolved.Host), "www.") + strings.ToLower(resolved.Path)
	for prefix, network := range shareHosts {
		if strings.HasPrefix(hostPath, prefix) {
			return models.TypeSocialShare, map[string]any{"network": network, "target_url": targetURL}, true
		}
	}

	base, err := url.Parse(p.URL)
	if err != nil {
		return "", nil, false
	}
	if registrableDomain(resolved.Hostname()) == registrableDomain(base.Hostname()) && !isAffiliate(link, targetURL) {
		return "", nil, false
	}
	return models.TypeClick, map[string]any{
		"target_url":   targetURL,
		"is_affiliate": isAffiliate(link, targetURL),
		"link_text":    strings.TrimSpace(link.Text()),
	}, true
}

func isAffiliate(link *goquery.Selection, target string) bool {
	rel, _ := link.Attr("rel")
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "sponsored" {
			return true
		}
	}
	lower := strings.ToLower(target)
	for _, marker := range affiliateMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
