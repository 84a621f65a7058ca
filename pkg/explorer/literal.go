package explorer

import (
	"strconv"
	"strings"

	"github.com/sidkik/mpysync/pkg/errors"
)

// parseLiteral parses the repr of the values the device prints for stat and
// listing calls: nested tuples and lists of integers, strings, booleans and
// None. Tuples and lists both become []interface{}, integers become int64,
// strings and bytes become string, and None becomes nil.
func parseLiteral(s string) (interface{}, error) {
	p := literalParser{in: strings.TrimSpace(s)}
	val, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.in) {
		return nil, p.errorf("trailing data")
	}
	return val, nil
}

type literalParser struct {
	in  string
	pos int
}

func (p *literalParser) errorf(msg string) error {
	return errors.New("parse %q at %d: %s", p.in, p.pos, msg)
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.in) && strings.IndexByte(" \t\r\n", p.in[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *literalParser) value() (interface{}, error) {
	p.skipSpace()
	if p.pos >= len(p.in) {
		return nil, p.errorf("unexpected end")
	}

	switch c := p.in[p.pos]; {
	case c == '(':
		return p.sequence(')')
	case c == '[':
		return p.sequence(']')
	case c == '\'' || c == '"':
		return p.str()
	case c == 'b' && p.pos+1 < len(p.in) && (p.in[p.pos+1] == '\'' || p.in[p.pos+1] == '"'):
		p.pos++
		return p.str()
	case c == '-' || (c >= '0' && c <= '9'):
		return p.integer()
	default:
		return p.keyword()
	}
}

func (p *literalParser) sequence(end byte) (interface{}, error) {
	p.pos++
	items := []interface{}{}
	for {
		p.skipSpace()
		if p.pos < len(p.in) && p.in[p.pos] == end {
			p.pos++
			return items, nil
		}

		item, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, item)

		p.skipSpace()
		if p.pos >= len(p.in) {
			return nil, p.errorf("unterminated sequence")
		}
		switch p.in[p.pos] {
		case ',':
			p.pos++
		case end:
		default:
			return nil, p.errorf("expected separator")
		}
	}
}

func (p *literalParser) str() (interface{}, error) {
	quote := p.in[p.pos]
	p.pos++

	var sb strings.Builder
	for p.pos < len(p.in) {
		c := p.in[p.pos]
		switch {
		case c == quote:
			p.pos++
			return sb.String(), nil
		case c == '\\' && p.pos+1 < len(p.in):
			p.pos++
			if err := p.escape(&sb); err != nil {
				return nil, err
			}
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return nil, p.errorf("unterminated string")
}

func (p *literalParser) escape(sb *strings.Builder) error {
	c := p.in[p.pos]
	p.pos++
	switch c {
	case 'n':
		sb.WriteByte('\n')
	case 'r':
		sb.WriteByte('\r')
	case 't':
		sb.WriteByte('\t')
	case 'x':
		if p.pos+2 > len(p.in) {
			return p.errorf("short \\x escape")
		}
		b, err := strconv.ParseUint(p.in[p.pos:p.pos+2], 16, 8)
		if err != nil {
			return p.errorf("bad \\x escape")
		}
		sb.WriteByte(byte(b))
		p.pos += 2
	default:
		sb.WriteByte(c)
	}
	return nil
}

func (p *literalParser) integer() (interface{}, error) {
	start := p.pos
	if p.in[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.in) && p.in[p.pos] >= '0' && p.in[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.ParseInt(p.in[start:p.pos], 10, 64)
	if err != nil {
		return nil, p.errorf("bad integer")
	}
	return n, nil
}

func (p *literalParser) keyword() (interface{}, error) {
	for _, kw := range []struct {
		word string
		val  interface{}
	}{{"None", nil}, {"True", true}, {"False", false}} {
		if strings.HasPrefix(p.in[p.pos:], kw.word) {
			p.pos += len(kw.word)
			return kw.val, nil
		}
	}
	return nil, p.errorf("unexpected character")
}

// quote returns `s` as a single-quoted string literal for use in commands.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
