package logging

import (
	"time"

	"go.uber.org/zap"
)

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F creates a new Field with the given key and value.
// This is a shorthand for creating Field{Key: k, Value: v}.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Common field constructors for frequently used fields.

// StudentID creates a student ID field.
func StudentID(id string) Field {
	return F("student_id", id)
}

// TurnID creates a turn ID field.
func TurnID(id string) Field {
	return F("turn_id", id)
}

// ToolName creates a tool name field.
func ToolName(name string) Field {
	return F("tool", name)
}

// CallID creates a tool call ID field.
func CallID(id string) Field {
	return F("call_id", id)
}

// Vendor creates a provider vendor field.
func Vendor(name string) Field {
	return F("vendor", name)
}

// Model creates a model name field.
func Model(name string) Field {
	return F("model", name)
}

// Role creates a prompt role field.
func Role(role string) Field {
	return F("role", role)
}

// State creates a turn state field.
func State(s string) Field {
	return F("state", s)
}

// Attempt creates a retry attempt field.
func Attempt(n int) Field {
	return F("attempt", n)
}

// Duration creates a duration field in milliseconds.
func Duration(d time.Duration) Field {
	return F("duration_ms", d.Milliseconds())
}

// DurationSince creates a duration field from a start time.
func DurationSince(start time.Time) Field {
	return Duration(time.Since(start))
}

// Tokens creates a token count field.
func Tokens(count int) Field {
	return F("tokens", count)
}

// Count creates a count field.
func Count(n int) Field {
	return F("count", n)
}

// Reason creates a reason field, truncating if too long.
func Reason(r string) Field {
	if len(r) > 200 {
		r = r[:197] + "..."
	}
	return F("reason", r)
}

// Error creates an error field.
func Error(err error) Field {
	if err == nil {
		return F("error", nil)
	}
	return F("error", err.Error())
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
