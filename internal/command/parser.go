// Package command splits raw router input into an application identifier and
// an opaque payload.
package command

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMarker is the sentinel that introduces a command.
const DefaultMarker = "/"

// Reason classifies a parse failure.
type Reason string

const (
	ReasonMalformed Reason = "malformed"
)

// ParseError reports input that does not have the shape
// "<marker><identifier> <payload>".
type ParseError struct {
	Reason Reason
	Input  string
	Detail string
	Marker string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s command: %s (expected %q)", e.Reason, e.Detail, e.Expected())
}

// Expected returns the human-readable shape the parser accepts.
func (e *ParseError) Expected() string {
	return e.Marker + "<application> <request>"
}

// Command is a parsed router command. Payload is forwarded to the
// application unchanged.
type Command struct {
	Identifier string
	Payload    string
}

// Parser parses commands introduced by a fixed marker.
type Parser struct {
	marker string
}

// NewParser returns a parser for marker, or DefaultMarker when empty.
func NewParser(marker string) *Parser {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Parser{marker: marker}
}

// Marker returns the sentinel this parser expects.
func (p *Parser) Marker() string { return p.marker }

// Parse is NewParser(DefaultMarker).Parse(raw).
func Parse(raw string) (Command, error) {
	return NewParser(DefaultMarker).Parse(raw)
}

// Parse splits raw into identifier and payload. Leading whitespace before the
// marker is ignored; the first whitespace run after the identifier is the
// separator and everything after it is the payload, byte for byte, trailing
// whitespace included.
func (p *Parser) Parse(raw string) (Command, error) {
	malformed := func(detail string) (Command, error) {
		return Command{}, &ParseError{Reason: ReasonMalformed, Input: raw, Detail: detail, Marker: p.marker}
	}

	input := strings.TrimLeftFunc(raw, unicode.IsSpace)
	if input == "" {
		return malformed("input is empty")
	}
	if !utf8.ValidString(input) {
		return malformed("input is not valid UTF-8")
	}
	if !strings.HasPrefix(input, p.marker) {
		return malformed(fmt.Sprintf("missing leading %q marker", p.marker))
	}

	rest := input[len(p.marker):]
	sep := strings.IndexFunc(rest, unicode.IsSpace)
	if sep == 0 || rest == "" {
		return malformed("missing application identifier after marker")
	}
	if sep < 0 {
		return malformed(fmt.Sprintf("missing request after application %q", rest))
	}

	identifier := rest[:sep]
	for _, r := range identifier {
		if !unicode.IsPrint(r) {
			return malformed(fmt.Sprintf("application identifier %q contains non-printable characters", identifier))
		}
	}

	payload := strings.TrimLeftFunc(rest[sep:], unicode.IsSpace)
	if strings.TrimFunc(payload, unicode.IsSpace) == "" {
		return malformed(fmt.Sprintf("missing request after application %q", identifier))
	}

	return Command{Identifier: identifier, Payload: payload}, nil
}
