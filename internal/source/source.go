// Package source holds helpers shared by the Source adapters: id to URL
// expansion and the mapping from upstream status codes to error kinds.
package source

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// IDPlaceholder is replaced by the escaped item id in URL templates.
const IDPlaceholder = "{id}"

// ValidateTemplate checks that tmpl is an absolute http(s) URL carrying the id
// placeholder.
func ValidateTemplate(tmpl string) error {
	if !strings.Contains(tmpl, IDPlaceholder) {
		return fmt.Errorf("url template %q has no %s placeholder", tmpl, IDPlaceholder)
	}
	u, err := url.Parse(strings.ReplaceAll(tmpl, IDPlaceholder, "x"))
	if err != nil {
		return fmt.Errorf("parse url template: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url template scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Expand substitutes the path-escaped id into tmpl.
func Expand(tmpl, id string) string {
	return strings.ReplaceAll(tmpl, IDPlaceholder, url.PathEscape(id))
}

// KindForStatus maps an HTTP status to the error kind a Source reports.
// KindNone means the response is usable.
func KindForStatus(code int) harvest.Kind {
	switch {
	case code >= 200 && code < 300:
		return harvest.KindNone
	case code == http.StatusNotFound, code == http.StatusGone:
		return harvest.KindNotFound
	case code == http.StatusTooManyRequests:
		return harvest.KindRateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return harvest.KindTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return harvest.KindBlocked
	case code >= 400:
		return harvest.KindBlocked
	default:
		// 1xx and 3xx that were not followed.
		return harvest.KindTransient
	}
}

// StatusError builds the kind-tagged error for a failed response.
func StatusError(op, id string, code int) error {
	return harvest.Errorf(KindForStatus(code), op, "%s: status %d", id, code)
}
