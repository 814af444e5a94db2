package filter

// Node is any expression-tree node produced by Parse.
type Node interface {
	node()
}

// LiteralNode is a string, number, or boolean literal.
type LiteralNode struct {
	Value interface{} // string | float64 | bool
}

func (LiteralNode) node() {}

// IdentNode references a dotted/bracketed name resolved against the
// evaluation context bag, e.g. "ip.src.country" or
// `http.request.headers["user-agent"]`.
type IdentNode struct {
	Name string
}

func (IdentNode) node() {}

// ArrayNode is a literal `[a, b, c]` used with the "in" operator.
type ArrayNode struct {
	Elements []Node
}

func (ArrayNode) node() {}

// UnaryNode applies "not"/"!" to its operand.
type UnaryNode struct {
	Op      string
	Operand Node
}

func (UnaryNode) node() {}

// BinaryNode applies a binary operator: and/or/==/!=/>/</>=/<=/in/matches.
type BinaryNode struct {
	Op    string
	Left  Node
	Right Node
}

func (BinaryNode) node() {}
