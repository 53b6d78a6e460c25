package logutil

import "strings"

// maxLogValue bounds how much of a remote-supplied value ends up in a log line.
const maxLogValue = 200

// SanitizeForLog strips newlines and control characters from strings that
// originate on a remote host (event names, command output, error text) so
// they cannot forge extra log entries. Long values are truncated.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(min(len(s), maxLogValue+3))
	n := 0
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case r < 32 || r == 0x7f:
			continue
		}
		if n == maxLogValue {
			result.WriteString("...")
			break
		}
		result.WriteRune(r)
		n++
	}
	return result.String()
}
