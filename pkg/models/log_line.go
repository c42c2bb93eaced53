package models

// RawLogLine is one console line and its 0-based index within a fetched batch.
// It only lives for a single fetch-classify-extract cycle.
type RawLogLine struct {
	Index int
	Text  string
}
