// Package policy holds the pure validation rules applied to activation form input.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Rule identifiers reported in a Violation.
const (
	RuleRequired          = "required"
	RuleTooShort          = "too_short"
	RuleTooLong           = "too_long"
	RuleMissingUpper      = "missing_upper"
	RuleMissingLower      = "missing_lower"
	RuleMissingDigit      = "missing_digit"
	RuleMismatch          = "mismatch"
	RuleNotNumeric        = "not_numeric"
	RuleLength            = "length"
	RuleInvalidCharacters = "invalid_characters"
)

// Form field names a Violation can point at.
const (
	FieldPassword = "password"
	FieldConfirm  = "confirm"
	FieldCode     = "code"
	FieldUser     = "user"
	FieldPhone    = "phone"
	FieldEmail    = "email"
)

// Violation reports a single rule failure for a form field.
type Violation struct {
	Field string
	Rule  string
	Min   int
	Max   int
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation: %s %s", v.Field, v.Rule)
}

// Message renders a user-facing description of the violation.
func (v *Violation) Message() string {
	switch v.Rule {
	case RuleRequired:
		return "This field is required"
	case RuleTooShort:
		return fmt.Sprintf("Must be at least %d characters", v.Min)
	case RuleTooLong:
		return fmt.Sprintf("Must be at most %d characters", v.Max)
	case RuleMissingUpper:
		return "Must contain an uppercase letter"
	case RuleMissingLower:
		return "Must contain a lowercase letter"
	case RuleMissingDigit:
		return "Must contain a digit"
	case RuleMismatch:
		return "Passwords do not match"
	case RuleNotNumeric:
		return "Must contain digits only"
	case RuleLength:
		if v.Min == v.Max {
			return fmt.Sprintf("Must be %d characters", v.Min)
		}
		return fmt.Sprintf("Must be between %d and %d characters", v.Min, v.Max)
	case RuleInvalidCharacters:
		return "Contains characters that are not allowed"
	default:
		return "Invalid value"
	}
}

// Violations flattens err (including joined errors) into the violations it carries.
func Violations(err error) []*Violation {
	if err == nil {
		return nil
	}
	var out []*Violation
	var walk func(error)
	walk = func(e error) {
		if v, ok := e.(*Violation); ok {
			out = append(out, v)
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			if inner := u.Unwrap(); inner != nil {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}

// Rules are the tunable constants behind every check.
type Rules struct {
	MinPasswordLength int  `yaml:"min_password_length"`
	RequireUpper      bool `yaml:"require_upper"`
	RequireLower      bool `yaml:"require_lower"`
	RequireDigit      bool `yaml:"require_digit"`
	CodeMinLength     int  `yaml:"code_min_length"`
	CodeMaxLength     int  `yaml:"code_max_length"`
	DisplayNameMin    int  `yaml:"display_name_min"`
	DisplayNameMax    int  `yaml:"display_name_max"`
	PhoneMinDigits    int  `yaml:"phone_min_digits"`
	PhoneMaxDigits    int  `yaml:"phone_max_digits"`
}

// DefaultRules returns the rules used when no policy file is configured.
func DefaultRules() Rules {
	return Rules{
		MinPasswordLength: 8,
		RequireUpper:      true,
		RequireLower:      true,
		RequireDigit:      true,
		CodeMinLength:     6,
		CodeMaxLength:     8,
		DisplayNameMin:    2,
		DisplayNameMax:    32,
		PhoneMinDigits:    7,
		PhoneMaxDigits:    15,
	}
}

// LoadRules reads a YAML policy file on top of DefaultRules. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if strings.TrimSpace(path) == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

// Validate checks the rules are internally consistent.
func (r Rules) Validate() error {
	switch {
	case r.MinPasswordLength < 1:
		return errors.New("policy: min_password_length must be positive")
	case r.CodeMinLength < 1 || r.CodeMaxLength < r.CodeMinLength:
		return fmt.Errorf("policy: invalid code length range %d-%d", r.CodeMinLength, r.CodeMaxLength)
	case r.DisplayNameMin < 0 || r.DisplayNameMax < r.DisplayNameMin:
		return fmt.Errorf("policy: invalid display name range %d-%d", r.DisplayNameMin, r.DisplayNameMax)
	case r.PhoneMinDigits < 1 || r.PhoneMaxDigits < r.PhoneMinDigits:
		return fmt.Errorf("policy: invalid phone digit range %d-%d", r.PhoneMinDigits, r.PhoneMaxDigits)
	}
	return nil
}

// CheckCodeLength reports whether codes of length n pass ValidateCodeFormat.
func (r Rules) CheckCodeLength(n int) error {
	if n < r.CodeMinLength || n > r.CodeMaxLength {
		return fmt.Errorf("policy: code length %d outside allowed range %d-%d", n, r.CodeMinLength, r.CodeMaxLength)
	}
	return nil
}

// Policy applies Rules. It has no state beyond the rules and is safe for concurrent use.
type Policy struct {
	rules Rules
}

// New returns a Policy for rules.
func New(rules Rules) *Policy {
	return &Policy{rules: rules}
}

// Rules returns the active rules.
func (p *Policy) Rules() Rules {
	return p.rules
}

// ValidatePassword checks strength of candidate and that confirm matches it.
// Strength failures and a confirmation mismatch are reported as separate violations.
func (p *Policy) ValidatePassword(candidate, confirm string) error {
	var errs []error
	if candidate == "" {
		errs = append(errs, &Violation{Field: FieldPassword, Rule: RuleRequired})
	} else {
		if utf8.RuneCountInString(candidate) < p.rules.MinPasswordLength {
			errs = append(errs, &Violation{Field: FieldPassword, Rule: RuleTooShort, Min: p.rules.MinPasswordLength})
		}
		var upper, lower, digit bool
		for _, r := range candidate {
			switch {
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsLower(r):
				lower = true
			case unicode.IsDigit(r):
				digit = true
			}
		}
		if p.rules.RequireUpper && !upper {
			errs = append(errs, &Violation{Field: FieldPassword, Rule: RuleMissingUpper})
		}
		if p.rules.RequireLower && !lower {
			errs = append(errs, &Violation{Field: FieldPassword, Rule: RuleMissingLower})
		}
		if p.rules.RequireDigit && !digit {
			errs = append(errs, &Violation{Field: FieldPassword, Rule: RuleMissingDigit})
		}
	}
	if candidate != confirm {
		errs = append(errs, &Violation{Field: FieldConfirm, Rule: RuleMismatch})
	}
	return errors.Join(errs...)
}

// ValidateCodeFormat checks a one-time code is an all-digit string of allowed length.
func (p *Policy) ValidateCodeFormat(code string) error {
	if code == "" {
		return &Violation{Field: FieldCode, Rule: RuleRequired}
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return &Violation{Field: FieldCode, Rule: RuleNotNumeric}
		}
	}
	if len(code) < p.rules.CodeMinLength || len(code) > p.rules.CodeMaxLength {
		return &Violation{Field: FieldCode, Rule: RuleLength, Min: p.rules.CodeMinLength, Max: p.rules.CodeMaxLength}
	}
	return nil
}

// NormalizeDisplayName trims and NFC-normalises a display name.
func NormalizeDisplayName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ValidateDisplayName checks length and that every rune is a letter, mark, number,
// punctuation or space.
func (p *Policy) ValidateDisplayName(name string) error {
	name = NormalizeDisplayName(name)
	n := utf8.RuneCountInString(name)
	if n == 0 {
		return &Violation{Field: FieldUser, Rule: RuleRequired}
	}
	if n < p.rules.DisplayNameMin {
		return &Violation{Field: FieldUser, Rule: RuleTooShort, Min: p.rules.DisplayNameMin}
	}
	if n > p.rules.DisplayNameMax {
		return &Violation{Field: FieldUser, Rule: RuleTooLong, Max: p.rules.DisplayNameMax}
	}
	for _, r := range name {
		if unicode.In(r, unicode.L, unicode.M, unicode.N, unicode.P, unicode.Zs) {
			continue
		}
		return &Violation{Field: FieldUser, Rule: RuleInvalidCharacters}
	}
	return nil
}

// NormalizePhone strips common separators and returns "+digits" when the input is a
// plausible international number.
func (p *Policy) NormalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", &Violation{Field: FieldPhone, Rule: RuleRequired}
	}
	var b strings.Builder
	b.WriteByte('+')
	digits := 0
	for i, r := range phone {
		switch {
		case r == '+' && i == 0:
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", &Violation{Field: FieldPhone, Rule: RuleInvalidCharacters}
		}
	}
	if digits < p.rules.PhoneMinDigits || digits > p.rules.PhoneMaxDigits {
		return "", &Violation{Field: FieldPhone, Rule: RuleLength, Min: p.rules.PhoneMinDigits, Max: p.rules.PhoneMaxDigits}
	}
	return b.String(), nil
}

// ValidatePhone reports whether phone can be normalised.
func (p *Policy) ValidatePhone(phone string) error {
	_, err := p.NormalizePhone(phone)
	return err
}
