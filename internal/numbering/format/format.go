// Package format renders document numbers from a pattern string.
package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var seqRe = regexp.MustCompile(`\{SEQ:(\d+)\}`)

// Render formats a human-readable document number from a pattern, the
// allocation date, and a monotonic sequence.
//
// Tokens: {YYYY} {YY} {MM} {DD} {SEQ:n} with n the zero-pad width.
// Unrecognized tokens pass through literally.
func Render(pattern string, asOf time.Time, seq int64) string {
	out := pattern

	out = strings.ReplaceAll(out, "{YYYY}", asOf.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", asOf.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", asOf.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", asOf.Format("02"))

	out = seqRe.ReplaceAllStringFunc(out, func(m string) string {
		match := seqRe.FindStringSubmatch(m)
		if len(match) != 2 {
			return m
		}
		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 {
			return m
		}
		return fmt.Sprintf("%0*d", width, seq)
	})

	return out
}

// Validate rejects patterns at configuration-save time, so allocation
// never fails on a malformed pattern it did not create.
func Validate(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("number pattern is empty")
	}
	matches := seqRe.FindAllStringSubmatch(pattern, -1)
	if len(matches) == 0 {
		return fmt.Errorf("number pattern %q has no {SEQ:n} token", pattern)
	}
	if len(matches) > 1 {
		return fmt.Errorf("number pattern %q has multiple sequence tokens", pattern)
	}
	width, err := strconv.Atoi(matches[0][1])
	if err != nil || width <= 0 || width > 12 {
		return fmt.Errorf("number pattern %q has invalid sequence width", pattern)
	}
	return nil
}
