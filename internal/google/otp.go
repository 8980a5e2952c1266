package google

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/surfari/surfari/internal/observability"
)

// EmailSearcher is the slice of Client the OTP fetcher needs.
type EmailSearcher interface {
	SearchEmails(ctx context.Context, query string, maxResults int) ([]MessageSummary, error)
}

// OTPOptions tune one OTP fetch.
type OTPOptions struct {
	// FromMe restricts the search to messages the account sent itself.
	FromMe bool
	// WithinSeconds bounds how old a code may be.
	WithinSeconds int
	RetryInterval time.Duration
	MaxRetries    int
	MaxResults    int
	// IncludeBodyLookup falls back to the message snippet when the
	// subject carries no code.
	IncludeBodyLookup bool
}

// DefaultOTPOptions match the behavior sites expect: a code arriving
// within half a minute, polled for up to a minute.
func DefaultOTPOptions() OTPOptions {
	return OTPOptions{
		FromMe:            true,
		WithinSeconds:     30,
		RetryInterval:     10 * time.Second,
		MaxRetries:        6,
		MaxResults:        10,
		IncludeBodyLookup: true,
	}
}

var otpCodePattern = regexp.MustCompile(`\b(\d{4,8})\b`)

var otpSubjectWords = []string{"code", "otp", "passcode", "verification"}

// OTPFetcher polls Gmail for one-time codes.
type OTPFetcher struct {
	searcher EmailSearcher
	logger   *observability.Logger
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOTPFetcher builds a fetcher over any email searcher, normally the
// Gmail client.
func NewOTPFetcher(searcher EmailSearcher, logger *observability.Logger) *OTPFetcher {
	return &OTPFetcher{
		searcher: searcher,
		logger:   logger.WithComponent("otp"),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// GetOTPCode retries until a code appears or the attempts run out. An
// empty string with a nil error means no code arrived.
func (f *OTPFetcher) GetOTPCode(ctx context.Context, opts OTPOptions) (string, error) {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		f.logger.Debug(ctx, "otp fetch attempt", "attempt", attempt, "max", opts.MaxRetries)
		code, err := f.LatestCode(ctx, opts)
		if err != nil {
			return "", err
		}
		if code != "" {
			return code, nil
		}
		if attempt < opts.MaxRetries {
			if err := f.sleep(ctx, opts.RetryInterval); err != nil {
				return "", err
			}
		}
	}
	return "", nil
}

// LatestCode is a single-shot search for the most recent code in the
// window.
func (f *OTPFetcher) LatestCode(ctx context.Context, opts OTPOptions) (string, error) {
	query := buildOTPQuery(opts.FromMe, opts.WithinSeconds, time.Now())
	f.logger.Debug(ctx, "gmail otp query", "query", query)

	messages, err := f.searcher.SearchEmails(ctx, query, opts.MaxResults)
	if err != nil {
		return "", err
	}
	for _, m := range messages {
		subject := strings.TrimSpace(m.Headers["Subject"])
		if code := extractCodeFromSubject(subject); code != "" {
			f.logger.Debug(ctx, "otp found in subject", "subject", subject)
			return code, nil
		}
		if opts.IncludeBodyLookup {
			if code := extractCode(strings.TrimSpace(m.Snippet)); code != "" {
				f.logger.Debug(ctx, "otp found in snippet", "message_id", m.ID)
				return code, nil
			}
		}
	}
	return "", nil
}

// buildOTPQuery limits the search to recent inbox messages with
// OTP-looking subjects. The subject hint improves ranking but matching is
// not required.
func buildOTPQuery(fromMe bool, withinSeconds int, now time.Time) string {
	if withinSeconds < 0 {
		withinSeconds = 0
	}
	since := now.Unix() - int64(withinSeconds)
	base := fmt.Sprintf("after:%d label:inbox (subject:code OR subject:verification OR subject:passcode OR subject:OTP)", since)
	if fromMe {
		return "from:me " + base
	}
	return base
}

// extractCodeFromSubject only accepts subjects that mention a code word,
// the strongest signal that the digits are an OTP and not an order
// number.
func extractCodeFromSubject(subject string) string {
	lower := strings.ToLower(subject)
	for _, w := range otpSubjectWords {
		if strings.Contains(lower, w) {
			return extractCode(subject)
		}
	}
	return ""
}

// extractCode pulls a 4 to 8 digit run out of text.
func extractCode(text string) string {
	match := otpCodePattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return match[1]
}
