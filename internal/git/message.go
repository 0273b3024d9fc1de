package git

import (
	"fmt"
	"strings"
	"time"
)

// commitTimeLayout is the timestamp part of every automatic commit message
const commitTimeLayout = "2006-01-02 15:04:05"

// CommitMessage builds "<prefix> <local timestamp>"
func CommitMessage(prefix string, t time.Time) string {
	return prefix + " " + t.Local().Format(commitTimeLayout)
}

// ParseCommitTime extracts the timestamp from a message built by CommitMessage
func ParseCommitTime(prefix, msg string) (time.Time, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(msg), prefix+" ")
	if !ok {
		return time.Time{}, fmt.Errorf("commit message %q does not start with %q", msg, prefix)
	}
	t, err := time.ParseInLocation(commitTimeLayout, rest, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid commit timestamp %q: %w", rest, err)
	}
	return t, nil
}
