package promote

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// DefaultMinBody is the body size under which script-heavy HTML is promoted.
const DefaultMinBody = 2048

// Detector decides whether an HTTP body is a client-rendered shell that needs
// a headless render.
type Detector struct {
	MinBody int
	// Markers are substrings that identify SPA shells.
	Markers [][]byte
}

var defaultMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// NewDetector returns a Detector. Zero minBody uses DefaultMinBody; no markers
// uses the built-in SPA markers.
func NewDetector(minBody int, markers ...string) *Detector {
	if minBody <= 0 {
		minBody = DefaultMinBody
	}
	d := &Detector{MinBody: minBody, Markers: defaultMarkers}
	if len(markers) > 0 {
		d.Markers = make([][]byte, 0, len(markers))
		for _, m := range markers {
			d.Markers = append(d.Markers, []byte(m))
		}
	}
	return d
}

// ShouldPromote reports whether raw needs a headless fetch. Only HTML is ever
// promoted; binary artifacts pass straight through.
func (d *Detector) ShouldPromote(raw harvest.Raw) bool {
	if !isHTML(raw) {
		return false
	}
	if len(raw.Body) == 0 {
		return true
	}
	if len(raw.Body) < d.MinBody && scriptShare(raw.Body) >= 25 {
		return true
	}
	for _, m := range d.Markers {
		if bytes.Contains(raw.Body, m) {
			return true
		}
	}
	return false
}

func isHTML(raw harvest.Raw) bool {
	ct := strings.ToLower(raw.ContentType)
	if ct == "" {
		return bytes.Contains(bytes.ToLower(raw.Body[:min(len(raw.Body), 512)]), []byte("<html"))
	}
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}

// scriptShare returns the percentage of body bytes inside <script> elements.
// An unclosed tag counts to the end of the document.
func scriptShare(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], "<script")
		if rel < 0 {
			break
		}
		start := pos + rel
		end := total
		if gt := strings.IndexByte(lower[start:], '>'); gt >= 0 {
			contentStart := start + gt + 1
			if closeAt := strings.Index(lower[contentStart:], "</script>"); closeAt >= 0 {
				end = contentStart + closeAt + len("</script>")
			}
		}
		covered += end - start
		pos = end
		if pos >= total {
			break
		}
	}
	return covered * 100 / total
}
