package analysis

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"
)

// maxScanLine bounds a single line read from a log file.
const maxScanLine = 1024 * 1024

// Finding is one error line located in a batch of lines.
type Finding struct {
	Line        int    `json:"line"` // 1-based
	Text        string `json:"text"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	Origin      string `json:"origin"`
	StackTrace  string `json:"stack_trace,omitempty"`
	Context     string `json:"context,omitempty"`
}

// Signature groups findings whose normalized messages are identical.
type Signature struct {
	Fingerprint   string `json:"fingerprint"`
	Category      string `json:"category"`
	Origin        string `json:"origin"`
	Count         int    `json:"count"`
	FirstLine     int    `json:"first_line"`
	LastLine      int    `json:"last_line"`
	SampleMessage string `json:"sample_message"`
}

// Report is the outcome of analyzing a batch of lines.
type Report struct {
	TotalLines int            `json:"total_lines"`
	Findings   []Finding      `json:"findings"`
	Signatures []Signature    `json:"signatures"`
	Categories map[string]int `json:"categories"`
}

// Analyze classifies every line, extracts stack and context for each error,
// and summarizes the findings by signature.
func Analyze(lines []string, c Classifier) Report {
	report := Report{
		TotalLines: len(lines),
		Findings:   []Finding{},
		Categories: map[string]int{},
	}

	for i, line := range lines {
		cls, ok := c.Classify(line)
		if !ok {
			continue
		}
		ext := Extract(lines, i)
		text := strings.TrimSpace(line)
		report.Findings = append(report.Findings, Finding{
			Line:        i + 1,
			Text:        TruncateString(text, MaxMessageBytes),
			Category:    cls.Category,
			Subcategory: cls.Subcategory,
			Origin:      ExtractOrigin(text),
			StackTrace:  TruncateString(ext.StackTrace, MaxBlockBytes),
			Context:     TruncateString(ext.Context, MaxBlockBytes),
		})
		report.Categories[cls.Category]++
	}

	report.Signatures = Summarize(report.Findings)
	return report
}

// AnalyzeReader reads all lines from r and analyzes them.
func AnalyzeReader(r io.Reader, c Classifier) (Report, error) {
	lines, err := ReadLines(r)
	if err != nil {
		return Report{}, err
	}
	return Analyze(lines, c), nil
}

// ReadLines splits r into lines, tolerating very long lines.
func ReadLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanLine)

	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading lines: %w", err)
	}
	return lines, nil
}

// Summarize groups findings by normalized fingerprint.
// Returns signatures sorted by (Count DESC, FirstLine ASC); never nil.
func Summarize(findings []Finding) []Signature {
	if len(findings) == 0 {
		return []Signature{}
	}

	groups := make(map[string]*Signature)
	for _, f := range findings {
		fp := Fingerprint(f.Text)
		sig, exists := groups[fp]
		if !exists {
			sig = &Signature{
				Fingerprint:   fp,
				Category:      f.Category,
				Origin:        f.Origin,
				FirstLine:     f.Line,
				LastLine:      f.Line,
				SampleMessage: TruncateString(f.Text, MaxMessageBytes),
			}
			groups[fp] = sig
		}
		sig.Count++
		if f.Line < sig.FirstLine {
			sig.FirstLine = f.Line
		}
		if f.Line > sig.LastLine {
			sig.LastLine = f.Line
		}
	}

	sigs := make([]Signature, 0, len(groups))
	for _, s := range groups {
		sigs = append(sigs, *s)
	}

	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].Count != sigs[j].Count {
			return sigs[i].Count > sigs[j].Count
		}
		return sigs[i].FirstLine < sigs[j].FirstLine
	})

	return sigs
}

// Fingerprint computes a stable SHA-256 fingerprint of a normalized message.
func Fingerprint(message string) string {
	normalized := NormalizeMessage(message)
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}
