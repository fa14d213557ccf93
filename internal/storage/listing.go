package storage

import (
	"sort"
	"strings"
)

// ListKeys applies prefix/delimiter listing rules to a flat set of
// objects, the way S3 ListObjectsV2 does: keys not under prefix are
// dropped, keys whose remainder contains delimiter collapse into one
// common prefix ending with the delimiter, everything else is an entry.
func ListKeys(objects []Entry, prefix, delimiter string) *Listing {
	sorted := make([]Entry, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	listing := &Listing{}
	seen := make(map[string]bool)

	for _, obj := range sorted {
		if !strings.HasPrefix(obj.Key, prefix) {
			continue
		}
		rest := obj.Key[len(prefix):]
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					listing.CommonPrefixes = append(listing.CommonPrefixes, cp)
				}
				continue
			}
		}
		listing.Entries = append(listing.Entries, obj)
	}

	return listing
}
