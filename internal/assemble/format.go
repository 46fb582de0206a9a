// Package assemble implements the printf-style message assembler: it
// walks a format string's specifiers in lock-step with a firehose
// record's data items and renders the final message, dispatching Apple's
// custom `%{decoder}` specifiers to a small decoder registry.
package assemble

import (
	"fmt"
	"strings"
)

// SpecKind distinguishes a standard printf conversion from an Apple custom
// `%{name}` specifier.
type SpecKind int

const (
	SpecStandard SpecKind = iota
	SpecCustom
)

// Specifier is one parsed `%...` conversion.
type Specifier struct {
	Kind SpecKind

	// SpecStandard fields.
	Flags     string
	Width     int
	HasWidth  bool
	WidthStar bool
	Precision int
	HasPrecision bool
	PrecisionStar bool
	Conv      byte

	// SpecCustom fields.
	DecoderName string
	Private     bool
}

// Piece is one literal run or specifier in a parsed format string.
type Piece struct {
	Literal string
	Spec    *Specifier
}

// errUnterminatedSpecifier is returned when a `%` or `%{` at the end of the
// format string has no closing conversion character or brace.
var errUnterminatedSpecifier = fmt.Errorf("assemble: unterminated format specifier")

// ParsePieces tokenizes a format string into literal text and specifiers,
// the scanner step ahead of Assemble: a hand-rolled position-cursor lexer
// rather than a generated scanner.
func ParsePieces(format string) ([]Piece, error) {
	var pieces []Piece
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			pieces = append(pieces, Piece{Literal: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(format) {
		c := format[i]
		if c != '%' {
			lit.WriteByte(c)
			i++
			continue
		}

		if i+1 >= len(format) {
			return nil, errUnterminatedSpecifier
		}

		if format[i+1] == '%' {
			lit.WriteByte('%')
			i += 2
			continue
		}

		if format[i+1] == '{' {
			end := strings.IndexByte(format[i+2:], '}')
			if end < 0 {
				return nil, errUnterminatedSpecifier
			}
			body := format[i+2 : i+2+end]
			spec := parseCustomSpecifier(body)
			flush()
			pieces = append(pieces, Piece{Spec: spec})
			i = i + 2 + end + 1
			// Apple custom specifiers are always closed by a conversion
			// character (commonly 's' or 'd'); consume one if present.
			if i < len(format) && isConversionChar(format[i]) {
				i++
			}
			continue
		}

		spec, next, err := parseStandardSpecifier(format, i+1)
		if err != nil {
			return nil, err
		}
		flush()
		pieces = append(pieces, Piece{Spec: spec})
		i = next
	}
	flush()

	return pieces, nil
}

func isConversionChar(c byte) bool {
	switch c {
	case 'd', 'i', 'u', 'o', 'x', 'X', 'p', 'f', 'e', 'g', 'a', 'c', 's', '@', 'm':
		return true
	default:
		return false
	}
}

func parseCustomSpecifier(body string) *Specifier {
	name := body
	private := false
	if idx := strings.IndexByte(body, ','); idx >= 0 {
		prefix := strings.TrimSpace(body[:idx])
		private = prefix == "private"
		name = strings.TrimSpace(body[idx+1:])
	}
	return &Specifier{Kind: SpecCustom, DecoderName: name, Private: private}
}

// parseStandardSpecifier parses a standard printf conversion starting right
// after the '%' at format[start]. Grammar: flags* width? ('.' precision?)?
// conv, where width/precision may be '*'.
func parseStandardSpecifier(format string, start int) (*Specifier, int, error) {
	i := start
	spec := &Specifier{Kind: SpecStandard}

	for i < len(format) && strings.IndexByte("#0- +", format[i]) >= 0 {
		spec.Flags += string(format[i])
		i++
	}

	if i < len(format) && format[i] == '*' {
		spec.HasWidth = true
		spec.WidthStar = true
		i++
	} else {
		j := i
		for j < len(format) && format[j] >= '0' && format[j] <= '9' {
			j++
		}
		if j > i {
			spec.HasWidth = true
			fmt.Sscanf(format[i:j], "%d", &spec.Width)
			i = j
		}
	}

	if i < len(format) && format[i] == '.' {
		i++
		spec.HasPrecision = true
		if i < len(format) && format[i] == '*' {
			spec.PrecisionStar = true
			i++
		} else {
			j := i
			for j < len(format) && format[j] >= '0' && format[j] <= '9' {
				j++
			}
			fmt.Sscanf(format[i:j], "%d", &spec.Precision)
			i = j
		}
	}

	if i >= len(format) {
		return nil, 0, errUnterminatedSpecifier
	}
	if !isConversionChar(format[i]) {
		return nil, 0, fmt.Errorf("assemble: unrecognized conversion %q", format[i])
	}
	spec.Conv = format[i]
	return spec, i + 1, nil
}
