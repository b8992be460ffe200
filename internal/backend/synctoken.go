package backend

import (
	"fmt"
	"strconv"
	"strings"
)

const syncTokenPrefix = "urn:calserve-sync:"

// BuildSyncToken mints a sync token from a collection's change-log identity
// and a sequence number. The log identity changes when a collection is
// deleted and recreated, so stale tokens stop validating.
func BuildSyncToken(logID string, seq int64) string {
	return fmt.Sprintf("%s%s:%d", syncTokenPrefix, logID, seq)
}

// ParseSyncToken splits a token back into log identity and sequence.
func ParseSyncToken(token string) (logID string, seq int64, ok bool) {
	rest, found := strings.CutPrefix(token, syncTokenPrefix)
	if !found {
		return "", 0, false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, false
	}
	return rest[:idx], seq, true
}
