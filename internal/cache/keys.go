package cache

import "fmt"

// ConsoleCursorKey holds the hashes of the last console lines processed for a server.
func ConsoleCursorKey(serverID string) string {
	return fmt.Sprintf("console:cursor:%s", serverID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
