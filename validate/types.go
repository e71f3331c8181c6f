package validate

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sportsed/sportsed/model"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

func typeError(name string, want string) error {
	return model.NewValidationError(fmt.Sprintf("field %q: not a %s", name, want))
}

func toInt(value any) (int64, bool) {
	switch n := value.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case float32:
		if float64(n) == float64(int64(n)) {
			return int64(n), true
		}
	case string:
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed, true
		}
		return 0, false
	}
	if i, ok := toInt(value); ok {
		return float64(i), true
	}
	return 0, false
}

func toString(value any) (string, bool) {
	switch s := value.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func toBool(value any) (bool, bool) {
	switch b := value.(type) {
	case bool:
		return b, true
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed, true
		}
	case float64:
		if b == 0 || b == 1 {
			return b == 1, true
		}
	case int64:
		if b == 0 || b == 1 {
			return b == 1, true
		}
	}
	return false, false
}

// checkType verifies a canonical (already coerced) value against the
// declared field type.
func checkType(fieldType FieldType, name string, value any) error {
	switch fieldType {
	case ID, Integer:
		if _, ok := toInt(value); !ok {
			return typeError(name, "integer")
		}
	case Real:
		if _, ok := toFloat(value); !ok {
			return typeError(name, "real number")
		}
	case String:
		if _, ok := toString(value); !ok {
			return typeError(name, "string")
		}
	case Char:
		s, ok := toString(value)
		if !ok || len([]rune(s)) != 1 {
			return typeError(name, "char")
		}
	case Boolean:
		if _, ok := value.(bool); !ok {
			return typeError(name, "bool")
		}
	case Date:
		s, ok := toString(value)
		if !ok {
			return typeError(name, "date")
		}
		if _, err := time.Parse(dateLayout, s); err != nil {
			return typeError(name, "date")
		}
	case Time:
		s, ok := toString(value)
		if !ok {
			return typeError(name, "time")
		}
		if _, err := time.Parse(timeLayout, s); err != nil {
			return typeError(name, "time")
		}
	case DateTime:
		s, ok := toString(value)
		if !ok {
			return typeError(name, "date/time")
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return typeError(name, "date/time")
		}
	case IP:
		s, ok := toString(value)
		if !ok {
			return typeError(name, "IP")
		}
		// "local" marks in-process connections without a network peer.
		if s != "local" && net.ParseIP(s) == nil {
			return typeError(name, "IP")
		}
	case JSON:
		s, ok := toString(value)
		if !ok || !json.Valid([]byte(s)) {
			return typeError(name, "JSON")
		}
	}
	return nil
}

// coerceType converts a dynamic value to the canonical representation for
// its declared type: int64 for ID/Integer, float64 for Real, string for
// the textual types, bool for Boolean.
func coerceType(fieldType FieldType, name string, value any) (any, error) {
	switch fieldType {
	case ID, Integer:
		if n, ok := toInt(value); ok {
			return n, nil
		}
		return nil, coercionError(name, value, "integer")
	case Real:
		if f, ok := toFloat(value); ok {
			return f, nil
		}
		return nil, coercionError(name, value, "real number")
	case String, Char, Date, Time, DateTime, IP, JSON:
		if s, ok := toString(value); ok {
			if err := checkType(fieldType, name, s); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, coercionError(name, value, "string")
	case Boolean:
		if b, ok := toBool(value); ok {
			return b, nil
		}
		return nil, coercionError(name, value, "bool")
	}
	return nil, model.NewValidationError(fmt.Sprintf("field %q: unknown field type", name))
}

func coercionError(name string, value any, want string) error {
	return model.NewValidationError(fmt.Sprintf("field %q: unable to convert %T to %s", name, value, want))
}
