// Package convert applies copy-rule value transforms: quote stripping,
// word/line truncation, date reformatting between the two adapters'
// wire formats, and select-value map lookup in both directions.
package convert

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/dtgate/dtgate/internal/model"
)

// DateCodec is the slice of the adapter interface the converter needs:
// parsing a date in one side's wire format and rendering it in the
// other's.
type DateCodec interface {
	ExtractDate(s string) (time.Time, error)
	FormatDate(t time.Time) string
}

// Converter carries the per-mapping context of value conversion: the
// date codecs of both sides.
type Converter struct {
	SCMDates DateCodec
	DTSDates DateCodec
}

// UnmatchedError reports a MAP lookup miss on a non-empty value. The
// reconciler logs it tagged with the current record ids and copies an
// empty string.
type UnmatchedError struct {
	Value string
}

func (e *UnmatchedError) Error() string {
	return fmt.Sprintf("value %q not present in select map", e.Value)
}

// Apply converts value according to the rule. toSCM gives the copy
// direction: true for DTS→SCM, false for SCM→DTS (and mirror copies
// toward the DTS side). The direction selects the date codecs and the
// MAP lookup column: Value1 is the DTS-side value of each pair.
func (c *Converter) Apply(rule *model.CopyRule, value string, toSCM bool) (string, error) {
	switch rule.Type {
	case model.CopyText:
		return StripQuotes(value), nil
	case model.CopyWord:
		// WORD and LINE cut only when the rule opts into truncation;
		// otherwise the value passes through like TEXT.
		if !rule.Truncate {
			return StripQuotes(value), nil
		}
		return Word(value), nil
	case model.CopyLine:
		if !rule.Truncate {
			return StripQuotes(value), nil
		}
		return Line(value), nil
	case model.CopyDate:
		return c.convertDate(value, toSCM)
	case model.CopyMAP:
		// DTS→SCM looks up by Value1, SCM→DTS by Value2.
		out, ok := MapValue(rule.Map, value, !toSCM)
		if !ok {
			if value == "" {
				return "", nil
			}
			return "", &UnmatchedError{Value: value}
		}
		return out, nil
	case model.CopyUnmap:
		// The validator refuses to start the engine while any rule is
		// UNMAP, so reaching this is a programming error.
		return "", fmt.Errorf("UNMAP rule %s/%s reached conversion", rule.SCMField, rule.DTSField)
	default:
		return "", fmt.Errorf("unknown copy type %q", rule.Type)
	}
}

func (c *Converter) convertDate(value string, toSCM bool) (string, error) {
	if value == "" {
		return "", nil
	}
	from, to := c.SCMDates, c.DTSDates
	if toSCM {
		from, to = c.DTSDates, c.SCMDates
	}
	t, err := from.ExtractDate(value)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", value, err)
	}
	return to.FormatDate(t), nil
}

// StripQuotes removes one outer pair of ASCII double quotes when the
// value begins with one.
func StripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Word keeps the initial run of characters up to the first whitespace.
func Word(s string) string {
	s = StripQuotes(s)
	for i, r := range s {
		if unicode.IsSpace(r) {
			return s[:i]
		}
	}
	return s
}

// Line keeps text up to the first CR or LF.
func Line(s string) string {
	s = StripQuotes(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// MapValue looks value up in the pair table. reverse=false matches
// Value1 and yields Value2; reverse=true matches Value2 and yields
// Value1. Matching is case-insensitive; the first matching pair wins.
func MapValue(pairs []model.MapPair, value string, reverse bool) (string, bool) {
	for _, p := range pairs {
		from, to := p.Value1, p.Value2
		if reverse {
			from, to = p.Value2, p.Value1
		}
		if strings.EqualFold(from, value) {
			return to, true
		}
	}
	return "", false
}
