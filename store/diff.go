package store

import (
	"errors"
	"reflect"
	"time"
)

var ErrWatchStopped = errors.New("watch stopped")

// Diff returns the changes turning prev into next: removals first, then
// additions and modifications in next's order.
func Diff(prev, next []Doc) []Change {
	before := make(map[string]Doc, len(prev))
	for _, d := range prev {
		before[d.Key] = d
	}
	after := make(map[string]struct{}, len(next))
	for _, d := range next {
		after[d.Key] = struct{}{}
	}

	var changes []Change
	for _, d := range prev {
		if _, ok := after[d.Key]; !ok {
			changes = append(changes, Change{Kind: Removed, Doc: d})
		}
	}
	for _, d := range next {
		old, ok := before[d.Key]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Added, Doc: d})
		case !reflect.DeepEqual(old.Data, d.Data):
			changes = append(changes, Change{Kind: Modified, Doc: d})
		}
	}
	return changes
}

// Matches reports whether data satisfies every filter.
func Matches(data Data, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if !reflect.DeepEqual(v, f.Value) {
				return false
			}
		case OpArrayContains:
			if !arrayContains(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func arrayContains(arr, value any) bool {
	switch a := arr.(type) {
	case []string:
		for _, s := range a {
			if s == value {
				return true
			}
		}
	case []any:
		for _, s := range a {
			if s == value {
				return true
			}
		}
	}
	return false
}

// Compare orders two field values of the same type; missing values sort first.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	}
	return 0
}

// Clone copies data deep enough that the caller can't mutate stored slices.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	c := make(Data, len(d))
	for k, v := range d {
		switch vv := v.(type) {
		case []string:
			c[k] = append([]string(nil), vv...)
		case []any:
			c[k] = append([]any(nil), vv...)
		default:
			c[k] = v
		}
	}
	return c
}
