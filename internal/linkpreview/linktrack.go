package linkpreview

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/forPelevin/gomoji"
)

var leadingDigits = regexp.MustCompile(`^[0-9]+`)

// GroupSlug turns a group name into a utm_medium value: lowercase, leading
// digits and emoji removed, spaces collapsed to hyphens.
func GroupSlug(name string) string {
	slug := strings.ToLower(name)
	slug = leadingDigits.ReplaceAllString(slug, "")
	slug = gomoji.RemoveEmojis(slug)
	slug = strings.TrimSpace(slug)
	return strings.ReplaceAll(slug, " ", "-")
}

// RewriteTrackingLinks appends utm_source=whatsapp and utm_medium=<slug> to
// every link in text whose host matches one of the configured domains. Links
// on other domains and unparseable URLs pass through untouched.
func RewriteTrackingLinks(text, groupName string, domains []string) string {
	if len(domains) == 0 {
		return text
	}
	slug := GroupSlug(groupName)
	return urlPattern.ReplaceAllStringFunc(text, func(raw string) string {
		parsed, err := url.Parse(raw)
		if err != nil {
			return raw
		}
		if !matchesDomain(parsed.Hostname(), domains) {
			return raw
		}
		q := parsed.Query()
		q.Set("utm_source", "whatsapp")
		q.Set("utm_medium", slug)
		parsed.RawQuery = q.Encode()
		return parsed.String()
	})
}

func matchesDomain(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
