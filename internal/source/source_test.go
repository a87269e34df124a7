package source

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]harvest.Kind{
		http.StatusOK:                  harvest.KindNone,
		http.StatusNoContent:           harvest.KindNone,
		http.StatusNotFound:            harvest.KindNotFound,
		http.StatusGone:                harvest.KindNotFound,
		http.StatusTooManyRequests:     harvest.KindRateLimited,
		http.StatusForbidden:           harvest.KindBlocked,
		http.StatusUnauthorized:        harvest.KindBlocked,
		http.StatusTeapot:              harvest.KindBlocked,
		http.StatusRequestTimeout:      harvest.KindTransient,
		http.StatusServiceUnavailable:  harvest.KindTransient,
		http.StatusInternalServerError: harvest.KindTransient,
		http.StatusNotModified:         harvest.KindTransient,
	}
	for code, want := range cases {
		assert.Equal(t, want, KindForStatus(code), "status %d", code)
	}
}

func TestStatusErrorCarriesKind(t *testing.T) {
	t.Parallel()

	err := StatusError("fetch", "rec-1", http.StatusTooManyRequests)
	assert.Equal(t, harvest.KindRateLimited, harvest.Classify(err))
	assert.Contains(t, err.Error(), "rec-1: status 429")
}

func TestExpandEscapesID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://api.test/records/a%2Fb", Expand("https://api.test/records/{id}", "a/b"))
	assert.Equal(t, "https://api.test/r/7?fmt=raw", Expand("https://api.test/r/{id}?fmt=raw", "7"))
}

func TestValidateTemplate(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTemplate("https://api.test/records/{id}"))
	require.Error(t, ValidateTemplate("https://api.test/records"))
	require.Error(t, ValidateTemplate("ftp://api.test/{id}"))
	require.Error(t, ValidateTemplate("://{id}"))
}
