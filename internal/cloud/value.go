package cloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueType tags the JSON type of a payload
type ValueType int

const (
	TypeInvalid ValueType = iota
	TypeNull
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeObject
	TypeArray
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "boolean"
	case TypeInt:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	default:
		return "invalid"
	}
}

// Value is a raw JSON payload with its type tag
type Value struct {
	Type ValueType
	Raw  json.RawMessage
}

// DecodeValue classifies raw JSON. Malformed input yields TypeInvalid.
// An empty payload is treated as null.
func DecodeValue(raw json.RawMessage) Value {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Value{Type: TypeNull, Raw: json.RawMessage("null")}
	}
	if !json.Valid(trimmed) {
		return Value{Type: TypeInvalid, Raw: trimmed}
	}

	v := Value{Raw: trimmed}
	switch trimmed[0] {
	case 'n':
		v.Type = TypeNull
	case 't', 'f':
		v.Type = TypeBool
	case '"':
		v.Type = TypeString
	case '{':
		v.Type = TypeObject
	case '[':
		v.Type = TypeArray
	default:
		if _, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
			v.Type = TypeInt
		} else {
			v.Type = TypeFloat
		}
	}
	return v
}

// IsNull reports whether the value is a deletion
func (v Value) IsNull() bool { return v.Type == TypeNull }

// Int returns the value as an int
func (v Value) Int() (int, bool) {
	if v.Type != TypeInt {
		return 0, false
	}
	n, err := strconv.ParseInt(string(v.Raw), 10, 64)
	if err != nil || n > math.MaxInt32 || n < math.MinInt32 {
		return 0, false
	}
	return int(n), true
}

// Bool returns the value as a bool
func (v Value) Bool() (bool, bool) {
	if v.Type != TypeBool {
		return false, false
	}
	return string(v.Raw) == "true", true
}

// Text returns the value as a string
func (v Value) Text() (string, bool) {
	if v.Type != TypeString {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.Raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Object returns the immediate children of an object value
func (v Value) Object() (map[string]json.RawMessage, error) {
	if v.Type != TypeObject {
		return nil, fmt.Errorf("expected object, got %s", v.Type)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(v.Raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
