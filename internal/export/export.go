// Package export renders error records as JSON, CSV or plain text.
package export

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiranshivaraju/luawatch/pkg/models"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

const timestampLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"Timestamp", "Level", "Addon", "Message", "Stack Trace"}

// ParseFormat accepts json, csv, text or txt, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "text", "txt":
		return FormatText, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType is the HTTP media type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatText:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

// Extension is the file name extension used for downloads.
func (f Format) Extension() string {
	if f == FormatText {
		return "txt"
	}
	return string(f)
}

// Render encodes records in the given format.
func Render(f Format, records []*models.ErrorRecord, generatedAt time.Time) ([]byte, error) {
	switch f {
	case FormatJSON:
		return JSON(records)
	case FormatCSV:
		return []byte(CSV(records)), nil
	case FormatText:
		return []byte(Text(records, generatedAt)), nil
	}
	return nil, fmt.Errorf("unsupported export format %q", f)
}

// Write renders records to w.
func Write(w io.Writer, f Format, records []*models.ErrorRecord, generatedAt time.Time) error {
	b, err := Render(f, records, generatedAt)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// JSON returns the records as a pretty-printed array. Zero records encode as [].
func JSON(records []*models.ErrorRecord) ([]byte, error) {
	if records == nil {
		records = []*models.ErrorRecord{}
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding records: %w", err)
	}
	return append(b, '\n'), nil
}

// CSV returns one row per record under a header row, with every field quoted.
// Zero records produce an empty string rather than a lone header.
func CSV(records []*models.ErrorRecord) string {
	if len(records) == 0 {
		return ""
	}

	var buf bytes.Buffer
	writeCSVRow(&buf, csvHeader)
	for _, r := range records {
		writeCSVRow(&buf, []string{
			r.FirstSeen.UTC().Format(timestampLayout),
			r.Level,
			r.Origin,
			r.Message,
			r.StackTrace,
		})
	}
	return buf.String()
}

func writeCSVRow(buf *bytes.Buffer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strings.ReplaceAll(f, `"`, `""`))
		buf.WriteByte('"')
	}
	buf.WriteByte('\n')
}

const (
	banner    = "=================================================="
	separator = "--------------------------------------------------"
)

// Text returns a human-readable report: a banner header followed by one
// block per record.
func Text(records []*models.ErrorRecord, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString(banner + "\n")
	b.WriteString("LUA ERROR REPORT\n")
	fmt.Fprintf(&b, "Generated: %s\n", generatedAt.UTC().Format(timestampLayout))
	fmt.Fprintf(&b, "Records: %d\n", len(records))
	b.WriteString(banner + "\n")

	for _, r := range records {
		b.WriteString("\n")
		fmt.Fprintf(&b, "[%s] %s %s\n", r.FirstSeen.UTC().Format(timestampLayout), strings.ToUpper(r.Level), r.Category)
		fmt.Fprintf(&b, "Server: %s\n", r.ServerID)
		fmt.Fprintf(&b, "Addon: %s\n", r.Origin)
		fmt.Fprintf(&b, "Status: %s\n", r.Status)
		fmt.Fprintf(&b, "Occurrences: %d (last seen %s)\n", r.OccurrenceCount, r.LastSeen.UTC().Format(timestampLayout))
		fmt.Fprintf(&b, "Message: %s\n", r.Message)
		if r.StackTrace != "" {
			b.WriteString("Stack Trace:\n")
			for _, line := range strings.Split(r.StackTrace, "\n") {
				b.WriteString("  " + line + "\n")
			}
		}
		if r.ResolutionNotes != nil && *r.ResolutionNotes != "" {
			fmt.Fprintf(&b, "Notes: %s\n", *r.ResolutionNotes)
		}
		b.WriteString(separator + "\n")
	}
	return b.String()
}
