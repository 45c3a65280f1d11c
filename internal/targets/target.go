// Package targets holds the validated downstream target model and the
// loaders for the configured target list.
package targets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Target is one downstream health endpoint. The zero value is not valid; use
// New or Parse.
type Target struct {
	url string
}

func (t Target) URL() string    { return t.url }
func (t Target) String() string { return t.url }

// New validates raw and returns the Target. raw is kept byte for byte, so
// surrounding whitespace is rejected rather than trimmed.
func New(raw string) (Target, error) {
	if err := validation.Validate(raw,
		validation.Required.Error("target URL is required"),
		validation.By(untrimmed),
		is.URL,
		validation.By(absoluteHTTP),
	); err != nil {
		return Target{}, err
	}
	return Target{url: raw}, nil
}

// Parse validates every entry and reports all invalid ones at once. Order and
// duplicates are preserved.
func Parse(raws []string) ([]Target, error) {
	out := make([]Target, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		t, err := New(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %d (%q): %w", i, raw, err))
			continue
		}
		out = append(out, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// URLs returns the raw URL of each target, index aligned.
func URLs(ts []Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.url
	}
	return out
}

func absoluteHTTP(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if u.Host == "" || u.Hostname() == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}

func untrimmed(value interface{}) error {
	s, _ := value.(string)
	if s != strings.TrimSpace(s) {
		return errors.New("target URL must not have surrounding whitespace")
	}
	return nil
}
