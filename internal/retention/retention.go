// Package retention decides which artifacts have aged out.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Window is an age threshold evaluated against a fixed "now".
type Window struct {
	ThresholdDays int
	Now           time.Time
}

// Expired reports whether t is strictly older than the threshold.
// An artifact exactly ThresholdDays old is retained.
func (w Window) Expired(t time.Time) bool {
	return w.Now.Sub(t) > time.Duration(w.ThresholdDays)*day
}

// Item is an artifact candidate, local path or remote key.
type Item struct {
	Key          string
	LastModified time.Time
}

// SelectForDeletion returns the keys of expired items in input order,
// each key at most once.
func SelectForDeletion(items []Item, thresholdDays int, now time.Time) []string {
	w := Window{ThresholdDays: thresholdDays, Now: now}
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, it := range items {
		if !w.Expired(it.LastModified) {
			continue
		}
		if _, dup := seen[it.Key]; dup {
			continue
		}
		seen[it.Key] = struct{}{}
		out = append(out, it.Key)
	}
	return out
}

// ScanLocal lists regular files in dir named "<prefix>-*", ordered by name,
// with their modification times. Temp files (".part") are skipped.
func ScanLocal(dir, prefix string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var out []Item
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasPrefix(name, prefix+"-") || strings.HasSuffix(name, ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out = append(out, Item{Key: filepath.Join(dir, name), LastModified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
