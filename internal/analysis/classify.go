package analysis

import (
	"regexp"
	"strings"
)

// Categories assigned by the classifier, in priority order.
const (
	CategoryConsoleError      = "console_error"
	CategoryFunctionCallError = "function_call_error"
	CategoryIndexError        = "index_error"
	CategoryArgumentError     = "argument_error"
	CategoryStackOverflow     = "stack_overflow"
	CategoryMemoryError       = "memory_error"
	CategorySyntaxError       = "syntax_error"
	CategoryRuntimeError      = "runtime_error"
	CategoryUnknownError      = "unknown_error"
)

// ErrorTag is the literal prefix the game server writes in front of Lua errors.
const ErrorTag = "[ERROR]"

// Mode selects how strictly a line must look like an error before it counts.
type Mode int

const (
	// ModeBroad matches any detection pattern anywhere in the line. Used for log files.
	ModeBroad Mode = iota
	// ModeStrict requires the trimmed line to start with ErrorTag. Used for live consoles.
	ModeStrict
)

func (m Mode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "broad"
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// Detection and category patterns compiled once at package init.
var (
	detectionPatterns = []pattern{
		{"error tag", regexp.MustCompile(`(?i)\[ERROR\]`)},
		{"lua error", regexp.MustCompile(`(?i)lua error`)},
		{"attempt to call", regexp.MustCompile(`(?i)attempt to call`)},
		{"attempt to index", regexp.MustCompile(`(?i)attempt to index`)},
		{"bad argument", regexp.MustCompile(`(?i)bad argument`)},
		{"stack overflow", regexp.MustCompile(`(?i)stack overflow`)},
		{"memory error", regexp.MustCompile(`(?i)memory error`)},
		{"syntax error", regexp.MustCompile(`(?i)syntax error`)},
		{"runtime error", regexp.MustCompile(`(?i)runtime error`)},
		{"failed to load", regexp.MustCompile(`(?i)failed to load`)},
		{"could not load", regexp.MustCompile(`(?i)could not load`)},
		{"error loading", regexp.MustCompile(`(?i)error loading`)},
		{"addon not found", regexp.MustCompile(`(?i)addon.*not found`)},
		{"script failed", regexp.MustCompile(`(?i)script.*failed`)},
		{"function error", regexp.MustCompile(`(?i)function.*error`)},
		{"nil value", regexp.MustCompile(`(?i)nil value`)},
		{"invalid argument", regexp.MustCompile(`(?i)invalid.*argument`)},
		{"out of memory", regexp.MustCompile(`(?i)out of memory`)},
		{"segmentation fault", regexp.MustCompile(`(?i)segmentation fault`)},
		{"access violation", regexp.MustCompile(`(?i)access violation`)},
	}

	// First match wins. console_error must stay first.
	categoryPatterns = []pattern{
		{CategoryConsoleError, regexp.MustCompile(`(?i)\[ERROR\]`)},
		{CategoryFunctionCallError, regexp.MustCompile(`(?i)attempt to call`)},
		{CategoryIndexError, regexp.MustCompile(`(?i)attempt to index`)},
		{CategoryArgumentError, regexp.MustCompile(`(?i)bad argument`)},
		{CategoryStackOverflow, regexp.MustCompile(`(?i)stack overflow`)},
		{CategoryMemoryError, regexp.MustCompile(`(?i)memory error|out of memory`)},
		{CategorySyntaxError, regexp.MustCompile(`(?i)syntax error`)},
		{CategoryRuntimeError, regexp.MustCompile(`(?i)runtime error`)},
	}
)

// Classification is the result of classifying one console line.
type Classification struct {
	// Category is the highest-priority category that matched.
	Category string
	// Subcategory is the most specific non-tag category that also matched,
	// so a tagged "attempt to call" line can still be labelled. Empty when none did.
	Subcategory string
	// Pattern is the name of the first detection pattern that matched.
	Pattern string
}

// Classifier decides whether console lines are errors. The zero value uses ModeBroad.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	mode Mode
}

// NewClassifier returns a Classifier using the given detection mode.
func NewClassifier(mode Mode) Classifier {
	return Classifier{mode: mode}
}

// Mode returns the classifier's detection mode.
func (c Classifier) Mode() Mode { return c.mode }

// Classify reports whether line is an error and, if so, how it is categorized.
func (c Classifier) Classify(line string) (Classification, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Classification{}, false
	}

	matched := firstDetection(trimmed)

	switch c.mode {
	case ModeStrict:
		if !strings.HasPrefix(trimmed, ErrorTag) {
			return Classification{}, false
		}
	default:
		if matched == "" {
			return Classification{}, false
		}
	}

	return Classification{
		Category:    categorize(trimmed),
		Subcategory: subcategorize(trimmed),
		Pattern:     matched,
	}, true
}

// IsError is shorthand for the boolean half of Classify.
func (c Classifier) IsError(line string) bool {
	_, ok := c.Classify(line)
	return ok
}

func firstDetection(line string) string {
	for _, p := range detectionPatterns {
		if p.re.MatchString(line) {
			return p.name
		}
	}
	return ""
}

func categorize(line string) string {
	for _, p := range categoryPatterns {
		if p.re.MatchString(line) {
			return p.name
		}
	}
	return CategoryUnknownError
}

func subcategorize(line string) string {
	for _, p := range categoryPatterns[1:] {
		if p.re.MatchString(line) {
			return p.name
		}
	}
	return ""
}
