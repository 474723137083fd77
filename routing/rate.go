package routing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Rate is the per message charge of a billable route.
type Rate float64

// ParseRate reads a configured rate. Integer literals such as "0" or "3" are
// refused, the rate has to be written as a fractional number ("0.0", "3.5").
func ParseRate(literal string) (Rate, error) {
	s := strings.TrimSpace(literal)
	if s == "" {
		return 0, fmt.Errorf("%w: empty rate", ErrInvalidRouteParameter)
	}
	if !strings.ContainsAny(s, ".eE") {
		return 0, fmt.Errorf("%w: rate %q must be a float, not an integer", ErrInvalidRouteParameter, literal)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: rate %q: %v", ErrInvalidRouteParameter, literal, err)
	}
	r := Rate(v)
	if err := r.validate(); err != nil {
		return 0, err
	}
	return r, nil
}

func (r Rate) validate() error {
	v := float64(r)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: rate must be finite", ErrInvalidRouteParameter)
	}
	if v < 0 {
		return fmt.Errorf("%w: rate must not be negative, got %v", ErrInvalidRouteParameter, v)
	}
	return nil
}

func (r Rate) String() string {
	if r == 0 {
		return "NOT RATED"
	}
	return fmt.Sprintf("rated %.2f", float64(r))
}
