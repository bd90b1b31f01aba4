package payments

import (
	"strconv"
	"strings"
	"time"
)

const (
	earlyRenewalDays    = 395 // 365 + 30 day early-renewal bonus
	standardRenewalDays = 365
	fiveYearRenewalDays = 1825

	defaultMembershipMonths = 12
	minMembershipMonths     = 1
	maxMembershipMonths     = 60

	defaultFeaturedDays = 30
	minFeaturedDays     = 1
	maxFeaturedDays     = 365
)

// RenewalExpiry computes the new membership end date for a renewal kind.
// Early and standard renewals extend a known current expiry and fail with
// ErrMissingExpiry when none is available. Five-year renewals tolerate a
// missing or past expiry and extend from whichever of expiry/now is later.
func RenewalExpiry(kind string, currentExpiry *time.Time, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case RenewalEarly:
		if currentExpiry == nil {
			return time.Time{}, ErrMissingExpiry
		}
		return currentExpiry.AddDate(0, 0, earlyRenewalDays), nil
	case RenewalStandard:
		if currentExpiry == nil {
			return time.Time{}, ErrMissingExpiry
		}
		return currentExpiry.AddDate(0, 0, standardRenewalDays), nil
	case RenewalFiveYear:
		base := now
		if currentExpiry != nil && currentExpiry.After(now) {
			base = *currentExpiry
		}
		return base.AddDate(0, 0, fiveYearRenewalDays), nil
	default:
		return time.Time{}, ErrUnknownRenewalKind
	}
}

// GrantExpiry computes the end date of a fresh membership window.
func GrantExpiry(start time.Time, months int) time.Time {
	return start.AddDate(0, months, 0)
}

// MembershipDurationMonths parses a coupon duration override in months.
// Non-numeric or out-of-range values are ignored in favor of the default;
// a bad override never fails the transaction.
func MembershipDurationMonths(raw string) int {
	v := strings.TrimSpace(raw)
	if v == "" {
		return defaultMembershipMonths
	}
	months, err := strconv.Atoi(v)
	if err != nil || months < minMembershipMonths || months > maxMembershipMonths {
		return defaultMembershipMonths
	}
	return months
}

// FeaturedDurationDays parses a featured-upgrade duration override in days.
func FeaturedDurationDays(raw string) int {
	v := strings.TrimSpace(raw)
	if v == "" {
		return defaultFeaturedDays
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < minFeaturedDays || days > maxFeaturedDays {
		return defaultFeaturedDays
	}
	return days
}

// ParseExpiryHint reads an optional current-expiry hint from event metadata,
// accepted as unix seconds or RFC 3339. Unparseable hints are discarded.
func ParseExpiryHint(raw string) *time.Time {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0)
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t
	}
	return nil
}
