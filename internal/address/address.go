// Package address extracts and validates envelope addresses of the form
// local<SEP>domain.tld, where SEP is a configured delimiter.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultSeparator is the local/domain delimiter used when none is configured.
const DefaultSeparator = "~"

var (
	// ErrNoAddress is returned when a command line carries no <...> pair.
	ErrNoAddress = errors.New("no address in angle brackets")

	// ErrInvalidAddress is returned when the bracketed address is malformed.
	ErrInvalidAddress = errors.New("invalid address")
)

var bracketed = regexp.MustCompile(`<([^<>]*)>`)

// Validator checks addresses against a fixed separator. It is safe for
// concurrent use.
type Validator struct {
	sep string
	re  *regexp.Regexp
}

// NewValidator builds a Validator for sep. The separator must be non-empty and
// may not contain whitespace or angle brackets.
func NewValidator(sep string) (*Validator, error) {
	if sep == "" {
		return nil, fmt.Errorf("address separator must not be empty")
	}
	if strings.ContainsAny(sep, " \t\r\n<>") {
		return nil, fmt.Errorf("address separator %q contains whitespace or angle brackets", sep)
	}

	q := regexp.QuoteMeta(sep)
	re, err := regexp.Compile(`^(\S+)` + q + `(\S+\.\S+)$`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile address pattern: %w", err)
	}
	return &Validator{sep: sep, re: re}, nil
}

// Separator returns the configured delimiter.
func (v *Validator) Separator() string {
	return v.sep
}

// Extract returns the contents of the first angle-bracket pair in line.
func Extract(line string) (string, bool) {
	m := bracketed.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// Validate reports whether addr is a well-formed local<SEP>domain.tld address
// and returns it normalized (domain lower-cased).
func (v *Validator) Validate(addr string) (string, bool) {
	if strings.Count(addr, v.sep) != 1 {
		return "", false
	}
	m := v.re.FindStringSubmatch(addr)
	if m == nil {
		return "", false
	}
	local, domain := m[1], m[2]
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", false
	}
	return local + v.sep + strings.ToLower(domain), true
}

// Parse extracts and validates the address carried by a MAIL/RCPT line.
func (v *Validator) Parse(line string) (string, error) {
	raw, ok := Extract(line)
	if !ok {
		return "", ErrNoAddress
	}
	addr, ok := v.Validate(raw)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr, nil
}

// Split returns the local and domain parts of a validated address.
func (v *Validator) Split(addr string) (local, domain string) {
	local, domain, _ = strings.Cut(addr, v.sep)
	return local, domain
}
