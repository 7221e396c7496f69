// Package filter compiles the small query language accepted by the list
// commands into gorm clauses.
package filter

import (
	"fmt"
	"math"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/pkg/errors"
	"gorm.io/gorm/clause"

	"github.com/vulnboard/pkg/ast"
	"github.com/vulnboard/pkg/identity"
)

var (
	ErrUnknownField    = errors.New("unknown filter field")
	ErrUnsupportedType = errors.New("unsupported value for operator")
)

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `(?i)\band\b`},
	{Name: "Date", Pattern: `\d{4}-\d{2}-\d{2}`},
	{Name: "Number", Pattern: `[-+]?\d+(\.\d+)?`},
	{Name: "String", Pattern: `"(\\.|[^"])*"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Operator", Pattern: `!=|<=|>=|=|<|>|~`},
	{Name: "Whitespace", Pattern: `\s+`},
})

type Parser struct {
	parser *participle.Parser[ast.Filter]
}

func NewParser() *Parser {
	p := participle.MustBuild[ast.Filter](
		participle.Lexer(filterLexer),
		participle.Elide("Whitespace"),
		participle.CaseInsensitive("Keyword"),
		participle.Unquote("String"),
		participle.Union[ast.Value](ast.String{}, ast.Date{}, ast.Number{}, ast.Word{}),
	)
	return &Parser{parser: p}
}

func (p *Parser) Parse(expr string) (*ast.Filter, error) {
	f, err := p.parser.ParseString("filter", expr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid filter")
	}
	return f, nil
}

var defaultParser = NewParser()

// Compile parses expr and turns each condition into a clause. Fields are
// looked up in allowed, which maps the public field name to its column.
// An empty expression compiles to no clauses.
func Compile(expr string, allowed map[string]string) ([]clause.Expression, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}

	f, err := defaultParser.Parse(expr)
	if err != nil {
		return nil, err
	}

	exprs := make([]clause.Expression, 0, len(f.Conditions))
	for _, cond := range f.Conditions {
		e, err := compile(cond, allowed)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

func compile(cond *ast.Condition, allowed map[string]string) (clause.Expression, error) {
	name, ok := allowed[strings.ToLower(cond.Field)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownField, "%q", cond.Field)
	}
	column := clause.Column{Name: name}

	value, err := bind(cond.Value)
	if err != nil {
		return nil, err
	}

	switch cond.Op {
	case "=":
		return clause.Eq{Column: column, Value: value}, nil
	case "!=":
		return clause.Neq{Column: column, Value: value}, nil
	case "<":
		return clause.Lt{Column: column, Value: value}, nil
	case "<=":
		return clause.Lte{Column: column, Value: value}, nil
	case ">":
		return clause.Gt{Column: column, Value: value}, nil
	case ">=":
		return clause.Gte{Column: column, Value: value}, nil
	case "~":
		s, ok := value.(string)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedType, "%s ~ %v", cond.Field, value)
		}
		return clause.Like{Column: column, Value: "%" + s + "%"}, nil
	}
	return nil, fmt.Errorf("unknown operator %q", cond.Op)
}

func bind(v ast.Value) (any, error) {
	switch t := v.(type) {
	case ast.String:
		return t.String, nil
	case ast.Word:
		return t.Word, nil
	case ast.Number:
		if t.Number == math.Trunc(t.Number) {
			return int64(t.Number), nil
		}
		return t.Number, nil
	case ast.Date:
		day, err := identity.ParseDay(t.Date)
		if err != nil {
			return nil, err
		}
		return day, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedType, "%T", v)
}
