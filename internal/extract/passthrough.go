// Package extract turns raw source records into artifacts.
package extract

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Metadata keys set by Passthrough.
const (
	MetaSourceID = "source_id"
	MetaDigest   = "digest"
	MetaBytes    = "original_bytes"
	MetaPriority = "priority"
)

// Passthrough uses the raw body as the payload and records a digest and the
// detected content type.
type Passthrough struct {
	hasher harvest.Hasher
}

var _ harvest.Extractor = (*Passthrough)(nil)

// NewPassthrough returns an extractor. A nil hasher skips the digest.
func NewPassthrough(hasher harvest.Hasher) *Passthrough {
	return &Passthrough{hasher: hasher}
}

// Extract implements harvest.Extractor. Empty bodies are invalid payloads.
func (p *Passthrough) Extract(_ context.Context, item harvest.WorkItem, raw harvest.Raw) (harvest.Artifact, error) {
	if len(raw.Body) == 0 {
		return harvest.Artifact{}, harvest.Errorf(harvest.KindInvalidPayload, "extract", "empty body for %s", item.ID)
	}
	ct := raw.ContentType
	if ct == "" {
		ct = http.DetectContentType(raw.Body)
	}
	meta := map[string]string{
		MetaSourceID: item.ID,
		MetaBytes:    strconv.Itoa(len(raw.Body)),
	}
	if item.Priority != 0 {
		meta[MetaPriority] = strconv.Itoa(item.Priority)
	}
	if p.hasher != nil {
		digest, err := p.hasher.Hash(raw.Body)
		if err != nil {
			return harvest.Artifact{}, fmt.Errorf("digest %s: %w", item.ID, err)
		}
		meta[MetaDigest] = digest
	}
	return harvest.Artifact{
		ID:          item.ID,
		ContentType: ct,
		Metadata:    meta,
		Payload:     raw.Body,
	}, nil
}
