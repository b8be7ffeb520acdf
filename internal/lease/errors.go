package lease

import "strings"

const (
	maxErrorCodeLen    = 32
	defaultFailureCode = "fail"
)

// NormalizeErrorCode reduces a prober error message to a single lowercase
// word of at most 32 runes, suitable for grouping failures.
func NormalizeErrorCode(message string) string {
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return defaultFailureCode
	}
	code := strings.ToLower(strings.Trim(fields[0], ":;,."))
	if code == "" {
		return defaultFailureCode
	}
	if runes := []rune(code); len(runes) > maxErrorCodeLen {
		code = string(runes[:maxErrorCodeLen])
	}
	return code
}
