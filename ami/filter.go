package ami

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFilter indicates that a filter expression does not resolve to a
// known, well-formed combinator.
var ErrInvalidFilter = errors.New("invalid detector filter expression")

// Filter is a predicate expression selecting events for online monitoring.
//
// Filters are built with the Band, EventCode, RateLimit, And and Or
// constructors; an expression from any other source does not validate.
type Filter interface {
	// String renders the expression in the monitoring system's syntax.
	String() string

	validate() error
}

type bandFilter struct {
	channel string
	low     float64
	high    float64
}

// Band selects events whose value on the named channel lies within
// [low, high].
func Band(channel string, low, high float64) Filter {
	return &bandFilter{channel: channel, low: low, high: high}
}

func (f *bandFilter) String() string {
	return fmt.Sprintf("%v<=%s<=%v", f.low, f.channel, f.high)
}

func (f *bandFilter) validate() error {
	if f.channel == "" {
		return fmt.Errorf("%w: band filter requires a channel name", ErrInvalidFilter)
	}
	if f.low > f.high {
		return fmt.Errorf("%w: band bounds are inverted (%v > %v)", ErrInvalidFilter, f.low, f.high)
	}
	return nil
}

type eventCodeFilter struct {
	code int
}

// EventCode selects events carrying the given event code.
func EventCode(code int) Filter {
	return &eventCodeFilter{code: code}
}

func (f *eventCodeFilter) String() string {
	return fmt.Sprintf("event_code==%d", f.code)
}

func (f *eventCodeFilter) validate() error {
	if f.code <= 0 {
		return fmt.Errorf("%w: event code must be positive, got %d", ErrInvalidFilter, f.code)
	}
	return nil
}

type rateFilter struct {
	hz float64
}

// RateLimit selects events at no more than the given rate in Hz.
func RateLimit(hz float64) Filter {
	return &rateFilter{hz: hz}
}

func (f *rateFilter) String() string {
	return fmt.Sprintf("rate<=%vHz", f.hz)
}

func (f *rateFilter) validate() error {
	if f.hz <= 0 {
		return fmt.Errorf("%w: rate threshold must be positive, got %v", ErrInvalidFilter, f.hz)
	}
	return nil
}

type boolFilter struct {
	op    string // "&" or "|"
	terms []Filter
}

// And combines filters so that an event passes only if every term passes.
func And(terms ...Filter) Filter {
	return &boolFilter{op: "&", terms: terms}
}

// Or combines filters so that an event passes if any term passes.
func Or(terms ...Filter) Filter {
	return &boolFilter{op: "|", terms: terms}
}

func (f *boolFilter) String() string {
	parts := make([]string, 0, len(f.terms))
	for _, term := range f.terms {
		parts = append(parts, term.String())
	}
	return "(" + strings.Join(parts, f.op) + ")"
}

func (f *boolFilter) validate() error {
	if len(f.terms) == 0 {
		return fmt.Errorf("%w: boolean combinator has no terms", ErrInvalidFilter)
	}
	for _, term := range f.terms {
		if term == nil {
			return fmt.Errorf("%w: boolean combinator has a nil term", ErrInvalidFilter)
		}
		if err := term.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that f resolves to a known, well-formed combinator.
func Validate(f Filter) error {
	if f == nil {
		return fmt.Errorf("%w: filter is nil", ErrInvalidFilter)
	}
	return f.validate()
}
