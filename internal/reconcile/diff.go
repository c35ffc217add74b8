// Package reconcile syncs locally edited catalog drafts (teams, form fields,
// workflow steps) against their remote collection: it computes the minimal
// create/update/delete plan and applies it on a bounded worker pool.
package reconcile

import (
	"fmt"
	"reflect"

	"github.com/pitabwire/approvals/model"
)

// Plan is the set of operations that turns a remote collection into the
// local draft. Each list keeps the order items first appeared in its input.
type Plan[T any] struct {
	ToCreate []T
	ToUpdate []T
	ToDelete []T
}

// Len returns the number of operations in the plan.
func (p Plan[T]) Len() int {
	return len(p.ToCreate) + len(p.ToUpdate) + len(p.ToDelete)
}

// Empty reports whether the plan has nothing to apply.
func (p Plan[T]) Empty() bool {
	return p.Len() == 0
}

// Diff compares the local draft with the remote collection. Items present
// only locally are created, items on both sides that differ by equal are
// updated with the local value, and items present only remotely are
// deleted. Empty or duplicate keys within one list are a VALIDATION_ERROR.
func Diff[T any](local, remote []T, key func(T) string, equal func(a, b T) bool) (Plan[T], error) {
	localIdx, errs := index("local", local, key)
	remoteIdx, remoteErrs := index("remote", remote, key)
	errs = append(errs, remoteErrs...)
	if len(errs) > 0 {
		return Plan[T]{}, model.NewValidationError(errs)
	}

	var plan Plan[T]
	for _, item := range local {
		i, ok := remoteIdx[key(item)]
		switch {
		case !ok:
			plan.ToCreate = append(plan.ToCreate, item)
		case !equal(item, remote[i]):
			plan.ToUpdate = append(plan.ToUpdate, item)
		}
	}
	for _, item := range remote {
		if _, ok := localIdx[key(item)]; !ok {
			plan.ToDelete = append(plan.ToDelete, item)
		}
	}
	return plan, nil
}

func index[T any](side string, items []T, key func(T) string) (map[string]int, []model.FieldError) {
	idx := make(map[string]int, len(items))
	var errs []model.FieldError
	for i, item := range items {
		k := key(item)
		field := fmt.Sprintf("%s[%d]", side, i)
		if k == "" {
			errs = append(errs, model.FieldError{Field: field, Code: "REQUIRED", Message: "item has no key"})
			continue
		}
		if first, dup := idx[k]; dup {
			errs = append(errs, model.FieldError{
				Field: field, Code: "DUPLICATE",
				Message: fmt.Sprintf("key %q already used by %s[%d]", k, side, first),
			})
			continue
		}
		idx[k] = i
	}
	return idx, errs
}

// Field is a named projection of T used for field-level equality.
type Field[T any] struct {
	Name  string
	Value func(T) any
}

// FieldsEqual reports whether a and b agree on every given field. Fields not
// listed are ignored.
func FieldsEqual[T any](a, b T, fields ...Field[T]) bool {
	return len(ChangedFields(a, b, fields...)) == 0
}

// ChangedFields returns the names of the given fields on which a and b
// differ, in argument order.
func ChangedFields[T any](a, b T, fields ...Field[T]) []string {
	var changed []string
	for _, f := range fields {
		if !reflect.DeepEqual(f.Value(a), f.Value(b)) {
			changed = append(changed, f.Name)
		}
	}
	return changed
}

// EqualOn returns an equality function over the given fields, suitable for
// Diff.
func EqualOn[T any](fields ...Field[T]) func(a, b T) bool {
	return func(a, b T) bool { return FieldsEqual(a, b, fields...) }
}
