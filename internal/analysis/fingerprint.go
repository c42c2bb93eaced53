package analysis

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/luawatch/pkg/models"
)

const (
	// MaxMessageBytes bounds the stored raw message.
	MaxMessageBytes = 2000
	// MaxBlockBytes bounds stored stack traces and context windows.
	MaxBlockBytes = 8000
)

// Normalization and origin regexes compiled once at package init.
var (
	reDatetime   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?\s*`)
	reClockStamp = regexp.MustCompile(`^\[?\d{2}:\d{2}:\d{2}\]?\s*`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reLuaLine    = regexp.MustCompile(`:\d+:`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reWhitespace = regexp.MustCompile(`\s+`)

	reAddonPath    = regexp.MustCompile(`(?i)addons/([^/\s:'"]+)/`)
	reGamemodePath = regexp.MustCompile(`(?i)gamemodes/([^/\s:'"]+)/`)
	reLuaFolder    = regexp.MustCompile(`(?i)lua/(?:autorun|entities|weapons|effects|includes/modules)/(?:server/|client/)?([A-Za-z0-9_\-]+)`)
	reTaggedOrigin = regexp.MustCompile(`^\[ERROR\]\s*\[([^\]]+)\]`)
)

// DedupKey returns the stable signature hash of (message, origin, server).
func DedupKey(message, origin, serverID string) string {
	sum := md5.Sum([]byte(message + "|" + origin + "|" + serverID))
	return hex.EncodeToString(sum[:])
}

// ExtractOrigin makes a best-effort guess at which addon or script produced
// the line. It returns models.UnknownOrigin when nothing recognizable is found.
func ExtractOrigin(line string) string {
	trimmed := strings.TrimSpace(line)
	if m := reTaggedOrigin.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	for _, re := range []*regexp.Regexp{reAddonPath, reGamemodePath, reLuaFolder} {
		if m := re.FindStringSubmatch(trimmed); m != nil {
			return m[1]
		}
	}
	return models.UnknownOrigin
}

// NormalizeMessage strips volatile parts of an error line so repeated
// occurrences with different timestamps or addresses group together.
func NormalizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	msg = reDatetime.ReplaceAllString(msg, "")
	msg = reClockStamp.ReplaceAllString(msg, "")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reLuaLine.ReplaceAllString(msg, ":N:")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return TruncateString(msg, 500)
}

// TruncateString truncates s to maxBytes without splitting UTF-8 runes.
func TruncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
