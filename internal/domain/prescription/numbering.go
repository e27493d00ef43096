package prescription

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// NumberCounter counts the prescription numbers already issued with a prefix
type NumberCounter interface {
	CountNumbersWithPrefix(ctx context.Context, prefix string) (int, error)
}

var numberPattern = regexp.MustCompile(`^RX-(\d{4})(\d{2})-(\d{4,})$`)

// NumberAuthority issues RX-<YYYY><MM>-<seq> numbers. The sequence is the count
// of numbers already issued in the month plus one, so two concurrent issuers
// can compute the same value. Stores enforce uniqueness and report
// ErrNumberConflict, and the engine retries with a fresh number.
type NumberAuthority struct{}

// Prefix returns the monthly prefix, e.g. RX-202610-
func (NumberAuthority) Prefix(month time.Time) string {
	month = month.UTC()
	return fmt.Sprintf("RX-%04d%02d-", month.Year(), int(month.Month()))
}

// Issue computes the next number for the month of t
func (a NumberAuthority) Issue(ctx context.Context, counter NumberCounter, t time.Time) (string, error) {
	prefix := a.Prefix(t)
	n, err := counter.CountNumbersWithPrefix(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("count numbers for %s: %w", prefix, err)
	}
	return fmt.Sprintf("%s%04d", prefix, n+1), nil
}

// ParseNumber validates a prescription number and returns its year, month and
// sequence
func ParseNumber(number string) (year, month, seq int, err error) {
	m := numberPattern.FindStringSubmatch(number)
	if m == nil {
		return 0, 0, 0, invalid("malformed prescription number %q", number)
	}
	year, _ = strconv.Atoi(m[1])
	month, _ = strconv.Atoi(m[2])
	seq, _ = strconv.Atoi(m[3])
	if month < 1 || month > 12 || seq < 1 {
		return 0, 0, 0, invalid("malformed prescription number %q", number)
	}
	return year, month, seq, nil
}
