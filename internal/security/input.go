// Package security implements the gateway's input validator, pattern
// detector, and SQL validator: the combined surface that every parameter
// and statement crosses before it reaches the pool.
package security

import (
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
)

// Level tunes which pattern sets the detector runs.
type Level string

const (
	LevelStrict   Level = "strict"
	LevelModerate Level = "moderate"
	LevelBasic    Level = "basic"
)

// InputValidator recursively validates primitive, array, and object
// parameter values against length and control-character rules.
type InputValidator struct {
	maxInputLength int
	level          Level
	structValidate *validator.Validate
}

// NewInputValidator builds a validator with the given per-string length
// limit and pattern-detection level.
func NewInputValidator(maxInputLength int, level Level) *InputValidator {
	return &InputValidator{
		maxInputLength: maxInputLength,
		level:          level,
		structValidate: validator.New(),
	}
}

// ValidateStruct runs go-playground/validator's `validate:"..."` struct
// tag checks, used for well-typed DTOs (tool parameter structs) rather
// than the dynamic any-typed values ValidateValue handles.
func (v *InputValidator) ValidateStruct(s any) error {
	if err := v.structValidate.Struct(s); err != nil {
		return errs.New(errs.CategoryValidationError, err.Error(), err)
	}
	return nil
}

// ValidateValue recursively validates a dynamically-typed parameter:
// strings for UTF-8 validity, control characters, and length; arrays and
// objects (maps) recurse over their elements, map keys validated as
// strings.
func (v *InputValidator) ValidateValue(value any) error {
	return v.validate(value, "$")
}

func (v *InputValidator) validate(value any, path string) error {
	switch val := value.(type) {
	case string:
		return v.validateString(val, path)
	case []any:
		for i, elem := range val {
			if err := v.validate(elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, elem := range val {
			if err := v.validateString(k, path+".<key>"); err != nil {
				return err
			}
			if err := v.validate(elem, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (v *InputValidator) validateString(s, path string) error {
	if !utf8.ValidString(s) {
		return errs.New(errs.CategoryValidationError, fmt.Sprintf("%s: invalid UTF-8", path), nil)
	}
	for _, r := range s {
		if isRejectedControl(r) {
			return errs.New(errs.CategoryValidationError, fmt.Sprintf("%s: contains a disallowed control character", path), nil)
		}
	}
	if v.maxInputLength > 0 && utf8.RuneCountInString(s) > v.maxInputLength {
		return errs.New(errs.CategoryValidationError, fmt.Sprintf("%s: exceeds max input length of %d", path, v.maxInputLength), nil)
	}
	return nil
}

// isRejectedControl reports whether r is a control character not on the
// allow-list (TAB, LF, CR).
func isRejectedControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7f
}
