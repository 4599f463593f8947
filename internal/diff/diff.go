// Package diff computes field-level differences between two versions of an
// entity snapshot. Pure and synchronous; callers strip bookkeeping fields.
package diff

import (
	"reflect"
	"time"
)

// Change holds the before/after values for one field.
type Change struct {
	Old any
	New any
}

// Record maps field names to their changes. Fields whose values are equal
// are absent.
type Record map[string]Change

// BookkeepingFields are mutation metadata that would make every save look
// like a content change. Callers strip them so no-op saves stay silent.
var BookkeepingFields = []string{"updatedAt", "updatedBy", "completedOn", "completedBy"}

// Changes compares every key present in newSnapshot against oldSnapshot.
// Two timestamps are equal iff they represent the same instant, whatever
// their zone or serialization. nil compares equal only to nil.
func Changes(oldSnapshot, newSnapshot map[string]any) Record {
	record := make(Record)
	for key, newValue := range newSnapshot {
		oldValue := oldSnapshot[key]
		if Equal(oldValue, newValue) {
			continue
		}
		record[key] = Change{Old: oldValue, New: newValue}
	}
	return record
}

// Strip returns a copy of snapshot without the named fields.
func Strip(snapshot map[string]any, fields ...string) map[string]any {
	if len(fields) == 0 {
		fields = BookkeepingFields
	}
	stripped := make(map[string]any, len(snapshot))
	for key, value := range snapshot {
		stripped[key] = value
	}
	for _, field := range fields {
		delete(stripped, field)
	}
	return stripped
}

// Equal reports whether two snapshot values are the same for diff purposes.
func Equal(a, b any) bool {
	aNil := isNil(a)
	bNil := isNil(b)
	if aNil || bNil {
		return aNil && bNil
	}
	if aTime, ok := asTime(a); ok {
		if bTime, ok := asTime(b); ok {
			return aTime.Equal(bTime)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

func asTime(v any) (time.Time, bool) {
	switch value := v.(type) {
	case time.Time:
		return value, true
	case *time.Time:
		if value == nil {
			return time.Time{}, false
		}
		return *value, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
