package model

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// DateLayout is the wire format of DATE values.
const DateLayout = "2006-01-02"

// FieldValue is a submitted value tagged with the data type it carries. Only
// the payload matching Kind is meaningful; use the constructors below.
type FieldValue struct {
	Kind   DataType  `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Number float64   `json:"number,omitempty"`
	Date   time.Time `json:"date,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
}

// TextValue returns a TEXT value.
func TextValue(s string) FieldValue { return FieldValue{Kind: DataTypeText, Text: s} }

// NumberValue returns a NUMBER value.
func NumberValue(n float64) FieldValue { return FieldValue{Kind: DataTypeNumber, Number: n} }

// DateValue returns a DATE value truncated to the day in UTC.
func DateValue(t time.Time) FieldValue {
	y, m, d := t.UTC().Date()
	return FieldValue{Kind: DataTypeDate, Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// BoolValue returns a BOOLEAN value.
func BoolValue(b bool) FieldValue { return FieldValue{Kind: DataTypeBoolean, Bool: b} }

// DropdownValue returns a DROPDOWN value holding the selected option.
func DropdownValue(option string) FieldValue { return FieldValue{Kind: DataTypeDropdown, Text: option} }

// IsZero reports whether the value carries no payload at all.
func (v FieldValue) IsZero() bool {
	switch v.Kind {
	case DataTypeText, DataTypeDropdown:
		return v.Text == ""
	case DataTypeDate:
		return v.Date.IsZero()
	case "":
		return true
	}
	// NUMBER zero and BOOLEAN false are real answers.
	return false
}

// String renders the payload in its wire format.
func (v FieldValue) String() string {
	switch v.Kind {
	case DataTypeText, DataTypeDropdown:
		return v.Text
	case DataTypeNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case DataTypeDate:
		return v.Date.Format(DateLayout)
	case DataTypeBoolean:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

// ParseValue converts a raw string (e.g. a field's default value) into a
// FieldValue of the given data type.
func ParseValue(dt DataType, raw string) (FieldValue, error) {
	switch dt {
	case DataTypeText:
		return TextValue(raw), nil
	case DataTypeDropdown:
		return DropdownValue(raw), nil
	case DataTypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return FieldValue{}, fmt.Errorf("parse number %q: %w", raw, err)
		}
		return NumberValue(n), nil
	case DataTypeDate:
		t, err := time.Parse(DateLayout, raw)
		if err != nil {
			return FieldValue{}, fmt.Errorf("parse date %q: %w", raw, err)
		}
		return DateValue(t), nil
	case DataTypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return FieldValue{}, fmt.Errorf("parse boolean %q: %w", raw, err)
		}
		return BoolValue(b), nil
	}
	return FieldValue{}, fmt.Errorf("unknown data type %q", dt)
}

// CheckAgainst validates the value against the field it is submitted for.
func (v FieldValue) CheckAgainst(f FieldSpec) *FieldError {
	if v.Kind != f.DataType {
		return &FieldError{
			Field: f.FieldID, Code: "TYPE_MISMATCH",
			Message: fmt.Sprintf("expected %s value, got %s", f.DataType, v.Kind),
		}
	}
	if f.DataType == DataTypeDropdown && v.Text != "" && !slices.Contains(f.DropdownOptions, v.Text) {
		return &FieldError{
			Field: f.FieldID, Code: "INVALID_OPTION",
			Message: fmt.Sprintf("%q is not one of the allowed options", v.Text),
		}
	}
	return nil
}

// ValidateValues checks a value map against a form template: every value
// must target a known field with a matching kind, and required fields must be
// present and non-empty.
func ValidateValues(form FormTemplate, values map[string]FieldValue) []FieldError {
	var errs []FieldError
	for _, f := range form.SortedFields() {
		v, ok := values[f.FieldID]
		if !ok || v.IsZero() {
			if f.Required {
				errs = append(errs, FieldError{Field: f.FieldID, Code: "REQUIRED", Message: f.Label + " is required"})
			}
			continue
		}
		if fe := v.CheckAgainst(f); fe != nil {
			errs = append(errs, *fe)
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, ok := form.Field(k); !ok {
			errs = append(errs, FieldError{Field: k, Code: "UNKNOWN_FIELD", Message: "field is not part of the form"})
		}
	}
	return errs
}
