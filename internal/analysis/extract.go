package analysis

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxStackLines   = 20
	contextRadius   = 5
	contextPrefix   = "  "
	errorLinePrefix = "→ "
)

var traceKeywords = []string{"error", "exception", "stack", "trace"}

// Extraction holds the stack trace and surrounding context for one error line.
type Extraction struct {
	StackTrace string
	Context    string
}

// Extract returns the trailing stack trace and the context window around
// lines[errorIndex]. An out-of-range index yields an empty Extraction.
func Extract(lines []string, errorIndex int) Extraction {
	if errorIndex < 0 || errorIndex >= len(lines) {
		return Extraction{}
	}
	return Extraction{
		StackTrace: strings.Join(stackLines(lines, errorIndex), "\n"),
		Context:    strings.Join(contextLines(lines, errorIndex), "\n"),
	}
}

// stackLines collects up to maxStackLines non-empty lines after errorIndex,
// stopping at the first line that looks like unrelated console output.
func stackLines(lines []string, errorIndex int) []string {
	var kept []string
	for i := errorIndex + 1; i < len(lines) && len(kept) < maxStackLines; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if endsTrace(lines[i], trimmed) {
			break
		}
		kept = append(kept, trimmed)
	}
	return kept
}

// endsTrace reports whether a line starts unrelated output: it begins with a
// letter, is not an indented "at ..." frame, and mentions no trace keyword.
func endsTrace(raw, trimmed string) bool {
	first, _ := utf8.DecodeRuneInString(trimmed)
	if !unicode.IsLetter(first) {
		return false
	}
	if isIndentedFrame(raw, trimmed) {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, kw := range traceKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

func isIndentedFrame(raw, trimmed string) bool {
	if raw == "" || (raw[0] != ' ' && raw[0] != '\t') {
		return false
	}
	return strings.HasPrefix(trimmed, "at ")
}

func contextLines(lines []string, errorIndex int) []string {
	var before []string
	for i := errorIndex - 1; i >= 0 && len(before) < contextRadius; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			before = append(before, contextPrefix+t)
		}
	}
	out := make([]string, 0, 2*contextRadius+1)
	for i := len(before) - 1; i >= 0; i-- {
		out = append(out, before[i])
	}

	out = append(out, errorLinePrefix+strings.TrimSpace(lines[errorIndex]))

	added := 0
	for i := errorIndex + 1; i < len(lines) && added < contextRadius; i++ {
		if t := strings.TrimSpace(lines[i]); t != "" {
			out = append(out, contextPrefix+t)
			added++
		}
	}
	return out
}
