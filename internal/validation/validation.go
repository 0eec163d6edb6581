package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxExpressionBytes bounds the size of a submitted expression.
const MaxExpressionBytes = 1024

// ErrInvalid is wrapped by every error returned from Collector.Err and
// ValidateExpression.
var ErrInvalid = errors.New("invalid input")

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err folds the collected failures into one error wrapping ErrInvalid, or
// returns nil when there are none.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	msgs := make([]string, len(c.errors))
	for i, e := range c.errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// ValidateMaxBytes returns an error if the value is longer than max bytes.
func ValidateMaxBytes(field, value string, max int) *ValidationError {
	if len(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d bytes", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateIntRange returns an error if the value is outside [min, max].
func ValidateIntRange(field string, value, min, max int) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %d and %d", min, max),
		}
	}
	return nil
}

// ValidatePositiveDuration returns an error unless d > 0.
func ValidatePositiveDuration(field string, d time.Duration) *ValidationError {
	if d <= 0 {
		return &ValidationError{
			Field:   field,
			Message: "must be a positive duration",
		}
	}
	return nil
}

// ValidateArithmetic returns an error if the value holds anything other than
// digits, the four operators, parentheses and whitespace.
func ValidateArithmetic(field, value string) *ValidationError {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case strings.ContainsRune("+-*/()", r):
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
		default:
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("contains unsupported character %q", r),
			}
		}
	}
	return nil
}

// ValidateExpression checks a calculator expression before it is submitted.
func ValidateExpression(expr string) error {
	var c Collector
	if err := ValidateRequired("expression", expr); err != nil {
		c.Add(err)
		return c.Err()
	}
	c.Add(ValidateMaxBytes("expression", expr, MaxExpressionBytes))
	c.Add(ValidateArithmetic("expression", expr))
	return c.Err()
}
