package quote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var ErrFiltered = errors.New("quote: no quote passed the content filter")

// DefaultPatterns reject first-person quotes, which read oddly on a greeting.
var DefaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bI\b`),
	regexp.MustCompile(`(?i)\bm[ey]\b`),
}

// Filtered keeps fetching from the wrapped provider until a quote matches
// none of the patterns or the attempt bound is reached.
type Filtered struct {
	src      Provider
	patterns []*regexp.Regexp
	attempts int
}

func NewFiltered(src Provider, attempts int, patterns ...*regexp.Regexp) *Filtered {
	if attempts <= 0 {
		attempts = 10
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Filtered{src: src, patterns: patterns, attempts: attempts}
}

func (f *Filtered) Allowed(text string) bool {
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}

// FetchQuote returns the first clean quote. Fetch errors abort immediately so
// the caller's retry policy decides what to do; only rejected quotes loop here.
func (f *Filtered) FetchQuote(ctx context.Context) (string, error) {
	for i := 0; i < f.attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := f.src.FetchQuote(ctx)
		if err != nil {
			return "", err
		}
		if f.Allowed(text) {
			return text, nil
		}
	}
	return "", fmt.Errorf("%w after %d quotes", ErrFiltered, f.attempts)
}
