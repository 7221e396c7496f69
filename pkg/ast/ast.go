package ast

// Filter is a conjunction of conditions, e.g.
//
//	level = High and status != "Closed" and day >= 2025-01-01
type Filter struct {
	Conditions []*Condition `parser:"@@ ( 'and' @@ )*"`
}

type Condition struct {
	Field string `parser:"@Ident"`
	Op    string `parser:"@Operator"`
	Value Value  `parser:"@@"`
}

type Value interface{ value() }

type String struct {
	String string `parser:"@String"`
}

func (String) value() {}

type Date struct {
	Date string `parser:"@Date"`
}

func (Date) value() {}

type Number struct {
	Number float64 `parser:"@Number"`
}

func (Number) value() {}

// Word is an unquoted value such as High or Open
type Word struct {
	Word string `parser:"@Ident"`
}

func (Word) value() {}
