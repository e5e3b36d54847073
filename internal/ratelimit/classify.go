// Package ratelimit turns provider errors into the crawler's error taxonomy.
package ratelimit

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rcong315/channelcrawler/internal/provider"
)

// Kind is the category of a provider failure.
type Kind int

const (
	None Kind = iota
	RateLimited
	SessionInvalid
	NotFound
	Generic
	// AccountUnderProvisioned and SuspectedSpamBan are derived by the crawl
	// engine from result patterns. Classify never returns them.
	AccountUnderProvisioned
	SuspectedSpamBan
)

var kindNames = map[Kind]string{
	None:                    "none",
	RateLimited:             "rate_limited",
	SessionInvalid:          "session_invalid",
	NotFound:                "not_found",
	Generic:                 "generic",
	AccountUnderProvisioned: "account_under_provisioned",
	SuspectedSpamBan:        "suspected_spam_ban",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// DefaultWait is used when a rate limit carries no parseable wait.
const DefaultWait = 60 * time.Second

// MaxWait caps advertised waits.
const MaxWait = 7 * 24 * time.Hour

// Classification is the result of Classify.
type Classification struct {
	Kind    Kind
	Wait    time.Duration
	Message string
}

const floodCode = 420

var waitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)FLOOD_WAIT_(\d+)`),
	regexp.MustCompile(`(?i)wait (?:of )?(\d+) seconds`),
	regexp.MustCompile(`(?i)retry after (\d+)`),
	regexp.MustCompile(`(?i)(\d+)\s*s(?:ec|econds)?\b`),
}

// Whole words only: "awaiting headers" in an HTTP client timeout is not a
// rate limit.
var rateLimitMarker = regexp.MustCompile(`(?i)flood_wait|\bflood\b|\bwait\b`)

var sessionMarkers = []string{
	"auth_key_unregistered",
	"auth_key_invalid",
	"session_revoked",
	"session_expired",
	"user_deactivated",
	"not authorized",
}

var notFoundMarkers = []string{
	"username_not_occupied",
	"username_invalid",
	"channel_invalid",
	"channel_private",
	"no user has",
	"not found",
}

// Classify maps a provider error onto a Kind. It has no side effects.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: None}
	}
	message := err.Error()
	lower := strings.ToLower(message)

	var floodErr *provider.FloodWaitError
	if errors.As(err, &floodErr) {
		wait := DefaultWait
		if floodErr.Seconds > 0 {
			wait = secondsToWait(int64(floodErr.Seconds))
		}
		return Classification{Kind: RateLimited, Wait: wait, Message: message}
	}

	// Typed errors and status codes win over message text.
	var apiErr *provider.APIError
	hasAPIErr := errors.As(err, &apiErr)
	switch {
	case hasAPIErr && (apiErr.Code == floodCode || apiErr.Code == http.StatusTooManyRequests):
		return Classification{Kind: RateLimited, Wait: extractWait(message), Message: message}
	case errors.Is(err, provider.ErrSessionInvalid),
		hasAPIErr && apiErr.Code == http.StatusUnauthorized:
		return Classification{Kind: SessionInvalid, Message: message}
	case errors.Is(err, provider.ErrNotFound),
		hasAPIErr && apiErr.Code == http.StatusNotFound:
		return Classification{Kind: NotFound, Message: message}
	}

	switch {
	case rateLimitMarker.MatchString(message):
		return Classification{Kind: RateLimited, Wait: extractWait(message), Message: message}
	case containsAny(lower, sessionMarkers):
		return Classification{Kind: SessionInvalid, Message: message}
	case containsAny(lower, notFoundMarkers):
		return Classification{Kind: NotFound, Message: message}
	}

	return Classification{Kind: Generic, Message: message}
}

func extractWait(message string) time.Duration {
	for _, pattern := range waitPatterns {
		match := pattern.FindStringSubmatch(message)
		if len(match) < 2 {
			continue
		}
		seconds, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			continue
		}
		if seconds <= 0 {
			continue
		}
		return secondsToWait(seconds)
	}
	return DefaultWait
}

// secondsToWait converts without overflowing, capped at MaxWait.
func secondsToWait(seconds int64) time.Duration {
	if seconds > int64(MaxWait/time.Second) {
		return MaxWait
	}
	return time.Duration(seconds) * time.Second
}

func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
