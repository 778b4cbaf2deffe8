package audit

import "strings"

const redactedValue = "[REDACTED]"

var sensitiveKeyParts = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"access_key",
	"refresh",
	"credential",
	"signature",
}

// Redact returns a copy of payload with every value under a sensitive key
// replaced. Nested maps and slices are walked.
func Redact(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return map[string]any{}
	}
	return redactMap(payload)
}

func redactMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if isSensitiveKey(key) {
			target[key] = redactedValue
			continue
		}
		target[key] = redactValue(value)
	}
	return target
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactMap(typed)
	case map[string]string:
		converted := make(map[string]any, len(typed))
		for k, v := range typed {
			converted[k] = v
		}
		return redactMap(converted)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}
