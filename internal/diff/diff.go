// Package diff computes field-level change sets between two snapshots of
// the same entity. A change set keys field names to {old, new} pairs and
// is what gets persisted into the task history trail.
package diff

import "sort"

// Change records the before and after values of a single field.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Changes maps changed field names to their old/new values.
type Changes map[string]Change

// Set records a change for field when old and new differ under value
// equality. Fields with equal values are left out entirely, which is what
// makes no-op updates detectable by the caller.
func (c Changes) Set(field string, oldValue, newValue any) {
	if oldValue == newValue {
		return
	}
	c[field] = Change{Old: oldValue, New: newValue}
}

// SetIDSet records a change for a field holding a set of ids. Order and
// duplicates are irrelevant: {a,b} and [b,a,b] are the same set. The
// recorded old/new values preserve the caller's slices as given.
func (c Changes) SetIDSet(field string, oldIDs, newIDs []string) {
	if sameIDSet(oldIDs, newIDs) {
		return
	}
	c[field] = Change{Old: normalize(oldIDs), New: normalize(newIDs)}
}

func sameIDSet(a, b []string) bool {
	as, bs := normalize(a), normalize(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
