package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType enumerates the data types a catalog field can declare.
type FieldType string

const (
	FieldTypeText    FieldType = "TEXT"
	FieldTypeNumber  FieldType = "NUMBER"
	FieldTypeBoolean FieldType = "BOOLEAN"
	FieldTypeDate    FieldType = "DATE"
	FieldTypeEnum    FieldType = "ENUM"
)

func (t FieldType) String() string { return string(t) }

func (t FieldType) IsValid() bool {
	switch t {
	case FieldTypeText, FieldTypeNumber, FieldTypeBoolean, FieldTypeDate, FieldTypeEnum:
		return true
	}
	return false
}

// FieldDefinition describes one updatable field of a record type.
type FieldDefinition struct {
	Name       string
	Type       FieldType
	Required   bool
	ReadOnly   bool
	EnumValues []string
	// Critical marks monetary or stage-defining fields; divergence on a
	// critical field raises conflict severity.
	Critical bool
}

func (d FieldDefinition) AllowsEnumValue(v string) bool {
	for _, candidate := range d.EnumValues {
		if candidate == v {
			return true
		}
	}
	return false
}

// FieldValue is a tagged union over the catalog data types. Exactly the
// member matching Type is meaningful.
type FieldValue struct {
	Type    FieldType
	Text    string
	Number  float64
	Boolean bool
	Date    time.Time
	Enum    string
}

// ParseFieldValue validates a loosely-typed value against a field
// definition and produces the typed form. Read-only fields are rejected
// before parsing.
func ParseFieldValue(def FieldDefinition, raw any) (FieldValue, error) {
	if def.ReadOnly {
		return FieldValue{}, fmt.Errorf("%w: field %q is read-only", ErrValidation, def.Name)
	}

	switch def.Type {
	case FieldTypeText:
		s, ok := raw.(string)
		if !ok {
			return FieldValue{}, typeMismatch(def, raw)
		}
		if def.Required && strings.TrimSpace(s) == "" {
			return FieldValue{}, fmt.Errorf("%w: field %q is required", ErrValidation, def.Name)
		}
		return FieldValue{Type: FieldTypeText, Text: s}, nil

	case FieldTypeNumber:
		n, ok := toFloat(raw)
		if !ok {
			return FieldValue{}, typeMismatch(def, raw)
		}
		return FieldValue{Type: FieldTypeNumber, Number: n}, nil

	case FieldTypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return FieldValue{}, typeMismatch(def, raw)
		}
		return FieldValue{Type: FieldTypeBoolean, Boolean: b}, nil

	case FieldTypeDate:
		s, ok := raw.(string)
		if !ok {
			if t, isTime := raw.(time.Time); isTime {
				return FieldValue{Type: FieldTypeDate, Date: t.UTC()}, nil
			}
			return FieldValue{}, typeMismatch(def, raw)
		}
		t, err := parseDate(s)
		if err != nil {
			return FieldValue{}, fmt.Errorf("%w: field %q: %v", ErrValidation, def.Name, err)
		}
		return FieldValue{Type: FieldTypeDate, Date: t}, nil

	case FieldTypeEnum:
		s, ok := raw.(string)
		if !ok {
			return FieldValue{}, typeMismatch(def, raw)
		}
		if !def.AllowsEnumValue(s) {
			return FieldValue{}, fmt.Errorf("%w: field %q does not accept value %q", ErrValidation, def.Name, s)
		}
		return FieldValue{Type: FieldTypeEnum, Enum: s}, nil
	}

	return FieldValue{}, fmt.Errorf("%w: field %q has unknown type %q", ErrValidation, def.Name, def.Type)
}

// Interface returns the wire representation used in snapshots and remote
// payloads.
func (v FieldValue) Interface() any {
	switch v.Type {
	case FieldTypeText:
		return v.Text
	case FieldTypeNumber:
		return v.Number
	case FieldTypeBoolean:
		return v.Boolean
	case FieldTypeDate:
		return v.Date.UTC().Format(time.RFC3339)
	case FieldTypeEnum:
		return v.Enum
	}
	return nil
}

func (v FieldValue) String() string {
	switch v.Type {
	case FieldTypeText:
		return v.Text
	case FieldTypeNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case FieldTypeBoolean:
		return strconv.FormatBool(v.Boolean)
	case FieldTypeDate:
		return v.Date.UTC().Format(time.RFC3339)
	case FieldTypeEnum:
		return v.Enum
	}
	return ""
}

func typeMismatch(def FieldDefinition, raw any) error {
	return fmt.Errorf("%w: field %q expects %s, got %T", ErrValidation, def.Name, strings.ToLower(def.Type.String()), raw)
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func parseDate(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("value %q is not an RFC3339 timestamp or YYYY-MM-DD date", s)
	}
	return t.UTC(), nil
}
