package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/hash/sha256"
)

func TestPassthroughExtract(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(sha256.New())
	art, err := p.Extract(context.Background(), harvest.WorkItem{ID: "rec-1", Priority: 2},
		harvest.Raw{Body: []byte("<html><body>hi</body></html>")})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", art.ID)
	assert.Equal(t, "text/html; charset=utf-8", art.ContentType)
	assert.Equal(t, "28", art.Metadata[MetaBytes])
	assert.Equal(t, "2", art.Metadata[MetaPriority])
	assert.Contains(t, art.Metadata[MetaDigest], sha256.Prefix)
}

func TestPassthroughKeepsContentType(t *testing.T) {
	t.Parallel()

	art, err := NewPassthrough(nil).Extract(context.Background(), harvest.WorkItem{ID: "x"},
		harvest.Raw{Body: []byte{0xff, 0xd8}, ContentType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", art.ContentType)
	assert.NotContains(t, art.Metadata, MetaDigest)
}

func TestPassthroughRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewPassthrough(nil).Extract(context.Background(), harvest.WorkItem{ID: "x"}, harvest.Raw{})
	assert.Equal(t, harvest.KindInvalidPayload, harvest.Classify(err))
}
