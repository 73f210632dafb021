package driver

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/retry"
)

// MaxErrorMessageBytes bounds the error message stored on a failed record.
const MaxErrorMessageBytes = 512

// Summarize renders err as a single-line, bounded message suitable for
// persisting on a record. Only the message chain is used; details such as
// response bodies attached with errors.WithDetail are never included.
func Summarize(err error) string {
	if err == nil {
		return ""
	}

	var msg string
	var exhausted *retry.RetriesExhaustedError
	if errors.As(err, &exhausted) && exhausted.LastErr != nil {
		msg = "failed after " + strconv.Itoa(exhausted.Attempts) + " attempts: " + exhausted.LastErr.Error()
	} else {
		msg = err.Error()
	}

	msg = strings.Join(strings.Fields(msg), " ")
	return truncate(msg, MaxErrorMessageBytes)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	const ellipsis = "..."
	cut := limit - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
