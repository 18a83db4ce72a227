package timerange

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads the textual form used in configuration files:
//
//	4            a single slot
//	8..10        inclusive range
//	9.5...17.5   range excluding its end
//	[1, 3..5]    lists, which may nest
func Parse(s string) (Spec, error) {
	p := &parser{input: s}
	spec, err := p.list(false)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, p.errorf("unexpected %q", p.input[p.pos:])
	}
	return spec, nil
}

// FromValues builds a spec from decoded configuration values: numbers,
// strings in Parse syntax, and nested slices of either.
func FromValues(values []any) (Spec, error) {
	list := make(List, 0, len(values))
	for _, value := range values {
		spec, err := fromValue(value)
		if err != nil {
			return nil, err
		}
		list = append(list, spec)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no elements", ErrInvalidSpec)
	}
	return list, nil
}

func fromValue(value any) (Spec, error) {
	switch v := value.(type) {
	case int:
		return Point{V: Int(v)}, nil
	case int64:
		return Point{V: Int(int(v))}, nil
	case float64:
		if v == float64(int64(v)) {
			return Point{V: Int(int(v))}, nil
		}
		return Point{V: Float(v)}, nil
	case string:
		return Parse(v)
	case []any:
		return FromValues(v)
	case Spec:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unsupported element %v (%T)", ErrInvalidSpec, value, value)
	}
}

type parser struct {
	input string
	pos   int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d in %q", ErrInvalidSpec, fmt.Sprintf(format, args...), p.pos, p.input)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

// list parses comma separated items; bracketed tells whether a ']' closes it
func (p *parser) list(bracketed bool) (Spec, error) {
	var items List
	for {
		item, err := p.item()
		if err != nil {
			return nil, err
		}
		items = append(items, item)

		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			if !bracketed {
				return nil, p.errorf("unbalanced ']'")
			}
			if len(items) == 1 {
				return List{items[0]}, nil
			}
			return items, nil
		case 0:
			if bracketed {
				return nil, p.errorf("missing ']'")
			}
			if len(items) == 1 {
				return items[0], nil
			}
			return items, nil
		default:
			return nil, p.errorf("unexpected %q", p.input[p.pos])
		}
	}
}

func (p *parser) item() (Spec, error) {
	if p.peek() == '[' {
		p.pos++
		inner, err := p.list(true)
		if err != nil {
			return nil, err
		}
		p.pos++ // ']'
		return inner, nil
	}

	from, err := p.number()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !strings.HasPrefix(p.input[p.pos:], "..") {
		return Point{V: from}, nil
	}
	p.pos += 2
	excludeEnd := false
	if p.pos < len(p.input) && p.input[p.pos] == '.' {
		excludeEnd = true
		p.pos++
	}
	to, err := p.number()
	if err != nil {
		return nil, err
	}
	return Span{From: from, To: to, ExcludeEnd: excludeEnd}, nil
}

func (p *parser) number() (Value, error) {
	p.skipSpace()
	start := p.pos
	if p.pos < len(p.input) && (p.input[p.pos] == '-' || p.input[p.pos] == '+') {
		p.pos++
	}
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		// a single '.' followed by a digit is a decimal point, ".." is a range
		if c == '.' && p.pos+1 < len(p.input) && p.input[p.pos+1] >= '0' && p.input[p.pos+1] <= '9' {
			p.pos++
			continue
		}
		break
	}
	literal := p.input[start:p.pos]
	if literal == "" || literal == "-" || literal == "+" {
		return Value{}, p.errorf("expected a number")
	}
	if !strings.Contains(literal, ".") {
		n, err := strconv.Atoi(literal)
		if err != nil {
			return Value{}, p.errorf("bad integer %q", literal)
		}
		return Int(n), nil
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return Value{}, p.errorf("bad number %q", literal)
	}
	return Float(f), nil
}
