// Package validation provides validation functions for model definitions and
// the attribute values written into working contexts.
package validation

import (
	"fmt"
	"math"
	"time"
)

// Attribute types a model may declare.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeDouble  = "double"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeJSON    = "json"
)

var validTypes = map[string]bool{
	TypeString:  true,
	TypeInteger: true,
	TypeDouble:  true,
	TypeBoolean: true,
	TypeDate:    true,
	TypeJSON:    true,
}

// isAlpha returns true if the byte is an ASCII letter.
func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

// validateIdentifier checks that value starts with a letter and contains only
// letters, numbers, or underscores.
func validateIdentifier(value, kind string) error {
	if value == "" {
		return fmt.Errorf("%s name must not be empty", kind)
	}
	if !isAlpha(value[0]) {
		return fmt.Errorf("%s name must start with a letter", kind)
	}
	for _, b := range []byte(value) {
		if !isAlpha(b) && !isNum(b) && b != '_' {
			return fmt.Errorf("%s names can only contain letters, numbers, or underscores", kind)
		}
	}
	return nil
}

// ValidateEntityName validates an entity name.
func ValidateEntityName(name string) error {
	return validateIdentifier(name, "entity")
}

// ValidateAttributeName validates an attribute name. "id" is reserved for
// the object identity in predicates.
func ValidateAttributeName(name string) error {
	if name == "id" {
		return fmt.Errorf("attribute name %q is reserved", name)
	}
	return validateIdentifier(name, "attribute")
}

// ValidateConfigurationName validates a model configuration name.
func ValidateConfigurationName(name string) error {
	return validateIdentifier(name, "configuration")
}

// ValidateAttributeType validates a declared attribute type.
func ValidateAttributeType(typ string) error {
	if !validTypes[typ] {
		return fmt.Errorf("unknown attribute type %q", typ)
	}
	return nil
}

// ValidateValue checks that value can be stored in an attribute of type typ.
// A nil value is always accepted. Values decoded from JSON arrive as float64,
// so integral floats are accepted for integer attributes, and RFC 3339
// strings are accepted for dates.
func ValidateValue(typ string, value any) error {
	if value == nil {
		return nil
	}
	switch typ {
	case TypeString:
		if _, ok := value.(string); ok {
			return nil
		}
	case TypeInteger:
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return nil
		case float64:
			if v == math.Trunc(v) {
				return nil
			}
		}
	case TypeDouble:
		switch value.(type) {
		case float32, float64, int, int32, int64:
			return nil
		}
	case TypeBoolean:
		if _, ok := value.(bool); ok {
			return nil
		}
	case TypeDate:
		switch v := value.(type) {
		case time.Time:
			return nil
		case string:
			if _, err := time.Parse(time.RFC3339, v); err == nil {
				return nil
			}
		}
	case TypeJSON:
		return nil
	default:
		return ValidateAttributeType(typ)
	}
	return fmt.Errorf("value %v (%T) is not a valid %s", value, value, typ)
}
