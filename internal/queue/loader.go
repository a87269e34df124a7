package queue

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// LoadFile reads work items from path. See Parse for the format.
func LoadFile(path string) ([]harvest.WorkItem, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config.
	if err != nil {
		return nil, fmt.Errorf("open id list: %w", err)
	}
	defer func() { _ = f.Close() }()
	items, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return items, nil
}

// Parse reads one id per line with an optional ",priority" suffix. Blank lines
// and lines starting with # are ignored.
func Parse(r io.Reader) ([]harvest.WorkItem, error) {
	var items []harvest.WorkItem
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		id, prio, hasPrio := strings.Cut(text, ",")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("line %d: empty id", line)
		}
		item := harvest.WorkItem{ID: id}
		if hasPrio {
			p, err := strconv.Atoi(strings.TrimSpace(prio))
			if err != nil {
				return nil, fmt.Errorf("line %d: bad priority %q", line, prio)
			}
			item.Priority = p
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan id list: %w", err)
	}
	return items, nil
}

// FromIDs wraps plain ids as zero-priority work items.
func FromIDs(ids []string) []harvest.WorkItem {
	items := make([]harvest.WorkItem, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			items = append(items, harvest.WorkItem{ID: id})
		}
	}
	return items
}
