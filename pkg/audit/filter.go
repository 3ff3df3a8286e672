package audit

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
)

var (
	errInvalidDate  = errors.New("invalid date")
	errInvalidLimit = errors.New("invalid limit")
	errInvertedSpan = errors.New("startDate after endDate")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Filter selects audit entries. Zero values mean "any".
type Filter struct {
	ActorID        string
	TargetICNumber string
	From           *time.Time
	To             *time.Time
	Limit          int
}

func (f Filter) Validate() error {
	if f.Limit < 0 {
		return ValidationError{reason: fmt.Errorf("limit %d: %w", f.Limit, errInvalidLimit)}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return ValidationError{reason: errInvertedSpan}
	}
	return nil
}

// Matches applies the filter to a single entry; stores without a query
// language use it directly.
func (f Filter) Matches(entry models.AuditLogEntry) bool {
	if f.ActorID != "" && entry.ActorID != f.ActorID {
		return false
	}
	if f.TargetICNumber != "" && entry.TargetICNumber != f.TargetICNumber {
		return false
	}
	if f.From != nil && entry.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && entry.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// ParseFilter reads actorId, targetIcNumber, startDate, endDate and limit.
// Dates accept RFC3339 or YYYY-MM-DD; a bare endDate covers the whole day.
func ParseFilter(values url.Values) (Filter, error) {
	filter := Filter{
		ActorID:        strings.TrimSpace(values.Get("actorId")),
		TargetICNumber: strings.TrimSpace(values.Get("targetIcNumber")),
	}

	if raw := strings.TrimSpace(values.Get("startDate")); raw != "" {
		from, _, err := parseDate(raw)
		if err != nil {
			return Filter{}, ValidationError{reason: fmt.Errorf("startDate %q: %w", raw, errInvalidDate)}
		}
		filter.From = &from
	}
	if raw := strings.TrimSpace(values.Get("endDate")); raw != "" {
		to, dateOnly, err := parseDate(raw)
		if err != nil {
			return Filter{}, ValidationError{reason: fmt.Errorf("endDate %q: %w", raw, errInvalidDate)}
		}
		if dateOnly {
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
		filter.To = &to
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return Filter{}, ValidationError{reason: fmt.Errorf("limit %q: %w", raw, errInvalidLimit)}
		}
		filter.Limit = limit
	}

	return filter, filter.Validate()
}

func parseDate(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), true, nil
}
