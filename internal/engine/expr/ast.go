package expr

// The AST is deliberately closed: these node kinds are the complete set
// of constructs the sandbox will ever evaluate. The parser refuses
// everything else up front instead of trying to guard it at run time.

type astNode interface{ pos() int }

type literalNode struct {
	p     int
	value interface{} // float64, string, bool or nil
}

type identNode struct {
	p    int
	name string
}

type memberNode struct {
	p      int
	object astNode
	field  string
}

type indexNode struct {
	p      int
	object astNode
	index  astNode
}

type callNode struct {
	p    int
	name string // whitelisted helper or scope function, never computed
	args []astNode
}

type unaryNode struct {
	p  int
	op string // "-" or "!"
	x  astNode
}

type binaryNode struct {
	p     int
	op    string // + - * / % < > <= >= == != && ||
	left  astNode
	right astNode
}

type ternaryNode struct {
	p    int
	cond astNode
	then astNode
	els  astNode
}

func (n *literalNode) pos() int { return n.p }
func (n *identNode) pos() int   { return n.p }
func (n *memberNode) pos() int  { return n.p }
func (n *indexNode) pos() int   { return n.p }
func (n *callNode) pos() int    { return n.p }
func (n *unaryNode) pos() int   { return n.p }
func (n *binaryNode) pos() int  { return n.p }
func (n *ternaryNode) pos() int { return n.p }
