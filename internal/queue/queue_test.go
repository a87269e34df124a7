package queue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

func ids(items []harvest.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestNextBatchOrdering(t *testing.T) {
	t.Parallel()

	q := New(
		harvest.WorkItem{ID: "a"},
		harvest.WorkItem{ID: "b", Priority: 5},
		harvest.WorkItem{ID: "c"},
		harvest.WorkItem{ID: "d", Priority: 5},
		harvest.WorkItem{ID: "e", Priority: -1},
	)
	assert.Equal(t, []string{"b", "d", "a"}, ids(q.NextBatch(3)))
	assert.Equal(t, []string{"c", "e"}, ids(q.NextBatch(10)))
	assert.Nil(t, q.NextBatch(1))
	assert.Zero(t, q.Len())
}

func TestPushCoalescesDuplicates(t *testing.T) {
	t.Parallel()

	q := New(harvest.WorkItem{ID: "a"}, harvest.WorkItem{ID: "b"})
	added := q.Push(harvest.WorkItem{ID: "a", Priority: 9}, harvest.WorkItem{ID: "c"}, harvest.WorkItem{})
	assert.Equal(t, 1, added)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"a", "b", "c"}, ids(q.Items()))
	assert.Equal(t, 9, q.Items()[0].Priority)

	q.NextBatch(1)
	assert.False(t, q.Contains("a"))
	assert.Equal(t, 1, q.Push(harvest.WorkItem{ID: "a"}), "dispatched ids may be queued again")
}

func TestExcludeAndTruncate(t *testing.T) {
	t.Parallel()

	q := New(FromIDs([]string{"1", "2", "3", "4", "5"})...)
	done := map[string]bool{"2": true, "4": true}
	assert.Equal(t, 2, q.Exclude(func(id string) bool { return done[id] }))
	assert.False(t, q.Contains("2"))
	assert.True(t, q.Contains("3"))

	q.Truncate(2)
	assert.Equal(t, []string{"1", "3"}, ids(q.Items()))
	assert.False(t, q.Contains("5"))
}

func TestParse(t *testing.T) {
	t.Parallel()

	in := "# header\nrec-1\n\n rec-2 , 10\nrec-3,-2\n"
	items, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []harvest.WorkItem{
		{ID: "rec-1"}, {ID: "rec-2", Priority: 10}, {ID: "rec-3", Priority: -2},
	}, items)

	_, err = Parse(strings.NewReader("ok\nbad,x\n"))
	require.ErrorContains(t, err, "line 2")
	_, err = Parse(strings.NewReader(",5\n"))
	require.ErrorContains(t, err, "empty id")
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb,3\n"), 0o600))
	items, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
