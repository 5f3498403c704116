package users

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// sampleSize caps how many roster entries a validation result carries.
const sampleSize = 10

// ActiveUserSource yields the current roster. *Fetcher satisfies it.
type ActiveUserSource interface {
	Fetch(ctx context.Context) ([]string, error)
}

// ValidationResult reports how a configured user filter compares to the
// live roster. FetchError marks results produced without roster data.
type ValidationResult struct {
	Valid             bool     `json:"valid"`
	InvalidUsers      []string `json:"invalidUsers,omitempty"`
	ValidUsers        []string `json:"validUsers,omitempty"`
	SampleActiveUsers []string `json:"sampleActiveUsers,omitempty"`
	FetchError        bool     `json:"fetchError,omitempty"`
}

// Validator checks configured user filters against the roster.
type Validator struct {
	source ActiveUserSource
	log    *logrus.Entry
}

// NewValidator creates a validator backed by the given roster source.
func NewValidator(source ActiveUserSource, log *logrus.Entry) *Validator {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Validator{source: source, log: log}
}

// Validate compares configured usernames against the roster, ignoring case.
// A roster fetch failure fails open: the configuration is accepted and the
// result is marked with FetchError so callers can warn instead of reject.
func (v *Validator) Validate(ctx context.Context, configured []string) ValidationResult {
	if len(configured) == 0 {
		return ValidationResult{Valid: true}
	}

	active, err := v.source.Fetch(ctx)
	if err != nil {
		v.log.WithError(err).Warn("cannot validate user filters, roster unavailable")
		return ValidationResult{Valid: true, FetchError: true}
	}

	known := make(map[string]struct{}, len(active))
	for _, name := range active {
		known[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}

	var valid, invalid []string
	for _, name := range configured {
		if _, ok := known[strings.ToLower(strings.TrimSpace(name))]; ok {
			valid = append(valid, name)
		} else {
			invalid = append(invalid, name)
		}
	}

	sample := active
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	return ValidationResult{
		Valid:             len(invalid) == 0,
		InvalidUsers:      invalid,
		ValidUsers:        valid,
		SampleActiveUsers: append([]string(nil), sample...),
	}
}
