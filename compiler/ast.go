package compiler

import "github.com/chazu/t3c/vm"

// ---------------------------------------------------------------------------
// AST: the analyzed parse tree handed to the code generator
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	File   int // index into the unit's source file list
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Span represents a range in source code.
type Span struct {
	Start Position
	End   Position
}

// Node is the interface implemented by all AST nodes.
type Node interface {
	Span() Span
	node() // marker method
}

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	expr() // marker method
}

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

// Decl is the interface for top-level declarations.
type Decl interface {
	Node
	decl() // marker method
}

// Program is one translation unit.
type Program struct {
	Decls []Decl
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// Param is a function or method parameter.
type Param struct {
	Name     string
	Type     string // multi-method parameter type; empty matches anything
	Optional bool
}

// FunctionDecl defines a function.
type FunctionDecl struct {
	SpanVal   Span
	Name      string
	Params    []Param
	Varargs   bool
	HasRetval bool
	Replace   bool
	Multi     bool // multi-method instance; parameter types select it
	Body      *Block
}

func (n *FunctionDecl) Span() Span { return n.SpanVal }
func (n *FunctionDecl) node()      {}
func (n *FunctionDecl) decl()      {}

// ObjectDecl defines an object or class. An empty Name declares an anonymous
// object.
type ObjectDecl struct {
	SpanVal      Span
	Name         string
	Superclasses []string
	Class        bool
	Transient    bool
	Modify       bool
	Replace      bool
	Props        []*PropDef
}

func (n *ObjectDecl) Span() Span { return n.SpanVal }
func (n *ObjectDecl) node()      {}
func (n *ObjectDecl) decl()      {}

// PropDef is one property of an object definition. Body is set for methods,
// Value for data properties.
type PropDef struct {
	SpanVal Span
	Name    string
	Value   Expr
	Static  bool // Value is evaluated once by a static initializer
	Replace bool // in a modify: drop the definitions being modified

	Params  []Param
	Varargs bool
	Body    *Block
}

func (n *PropDef) Span() Span { return n.SpanVal }
func (n *PropDef) node()      {}

// IntrinsicClassDecl declares an intrinsic class and the metaclass
// implementing it. Props lists the metaclass's native methods in VM order.
type IntrinsicClassDecl struct {
	SpanVal   Span
	Name      string
	Metaclass string // versioned dependency name, e.g. "list/030000"
	Props     []string
}

func (n *IntrinsicClassDecl) Span() Span { return n.SpanVal }
func (n *IntrinsicClassDecl) node()      {}
func (n *IntrinsicClassDecl) decl()      {}

// BuiltinDecl is one function of a function set.
type BuiltinDecl struct {
	Name      string
	Argc      int
	OptArgc   int
	Varargs   bool
	HasRetval bool
}

// FunctionSetDecl declares a set of built-in functions.
type FunctionSetDecl struct {
	SpanVal Span
	Name    string // versioned dependency name, e.g. "tads-gen/030008"
	Funcs   []BuiltinDecl
}

func (n *FunctionSetDecl) Span() Span { return n.SpanVal }
func (n *FunctionSetDecl) node()      {}
func (n *FunctionSetDecl) decl()      {}

// DictionaryDecl declares a dictionary object and makes it the current one.
type DictionaryDecl struct {
	SpanVal Span
	Name    string
}

func (n *DictionaryDecl) Span() Span { return n.SpanVal }
func (n *DictionaryDecl) node()      {}
func (n *DictionaryDecl) decl()      {}

// DictionaryPropDecl declares vocabulary properties.
type DictionaryPropDecl struct {
	SpanVal Span
	Props   []string
}

func (n *DictionaryPropDecl) Span() Span { return n.SpanVal }
func (n *DictionaryPropDecl) node()      {}
func (n *DictionaryPropDecl) decl()      {}

// PropertyDecl declares property names without defining them.
type PropertyDecl struct {
	SpanVal Span
	Names   []string
}

func (n *PropertyDecl) Span() Span { return n.SpanVal }
func (n *PropertyDecl) node()      {}
func (n *PropertyDecl) decl()      {}

// EnumDecl declares enumerators.
type EnumDecl struct {
	SpanVal Span
	Names   []string
	Token   bool // token types usable in grammar rules
}

func (n *EnumDecl) Span() Span { return n.SpanVal }
func (n *EnumDecl) node()      {}
func (n *EnumDecl) decl()      {}

// ExportDecl exports a symbol to the VM under an external name.
type ExportDecl struct {
	SpanVal  Span
	Symbol   string
	External string // defaults to Symbol
}

func (n *ExportDecl) Span() Span { return n.SpanVal }
func (n *ExportDecl) node()      {}
func (n *ExportDecl) decl()      {}

// ExternDecl declares names defined in another translation unit. Kind is
// SymObject, SymFunction or SymProperty.
type ExternDecl struct {
	SpanVal Span
	Kind    SymbolKind
	Names   []string
}

func (n *ExternDecl) Span() Span { return n.SpanVal }
func (n *ExternDecl) node()      {}
func (n *ExternDecl) decl()      {}

// GrammarProdDecl explicitly declares a grammar production.
type GrammarProdDecl struct {
	SpanVal Span
	Name    string
}

func (n *GrammarProdDecl) Span() Span { return n.SpanVal }
func (n *GrammarProdDecl) node()      {}
func (n *GrammarProdDecl) decl()      {}

// GrammarDecl adds alternatives to a production. Processor defines the match
// object class instantiated when an alternative matches.
type GrammarDecl struct {
	SpanVal   Span
	Prod      string
	Alts      []GrammarAltDef
	Processor *ObjectDecl
}

func (n *GrammarDecl) Span() Span { return n.SpanVal }
func (n *GrammarDecl) node()      {}
func (n *GrammarDecl) decl()      {}

// GrammarAltDef is one alternative of a grammar rule.
type GrammarAltDef struct {
	Score   int
	Badness int
	Tokens  []GrammarTokenDef
}

// GrammarTokenDef is one token of an alternative. Name holds the production,
// part-of-speech property or token type, depending on Kind.
type GrammarTokenDef struct {
	Kind    vm.GrammarTokenKind
	Name    string
	Names   []string // part-of-speech list
	Literal string
	Assoc   string // property receiving the match
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// Block is a compound statement and a local variable scope.
type Block struct {
	SpanVal Span
	Stmts   []Stmt
}

func (n *Block) Span() Span { return n.SpanVal }
func (n *Block) node()      {}
func (n *Block) stmt()      {}

// LocalDecl declares a local variable in the enclosing block.
type LocalDecl struct {
	SpanVal Span
	Name    string
	Init    Expr
}

func (n *LocalDecl) Span() Span { return n.SpanVal }
func (n *LocalDecl) node()      {}
func (n *LocalDecl) stmt()      {}

// ExprStmt evaluates an expression for its side effects. A double-quoted
// string statement displays the string.
type ExprStmt struct {
	SpanVal Span
	X       Expr
}

func (n *ExprStmt) Span() Span { return n.SpanVal }
func (n *ExprStmt) node()      {}
func (n *ExprStmt) stmt()      {}

// EmptyStmt does nothing.
type EmptyStmt struct {
	SpanVal Span
}

func (n *EmptyStmt) Span() Span { return n.SpanVal }
func (n *EmptyStmt) node()      {}
func (n *EmptyStmt) stmt()      {}

// IfStmt is a conditional.
type IfStmt struct {
	SpanVal Span
	Cond    Expr
	Then    Stmt
	Else    Stmt
}

func (n *IfStmt) Span() Span { return n.SpanVal }
func (n *IfStmt) node()      {}
func (n *IfStmt) stmt()      {}

// WhileStmt is a pre-tested loop.
type WhileStmt struct {
	SpanVal Span
	Cond    Expr
	Body    Stmt
}

func (n *WhileStmt) Span() Span { return n.SpanVal }
func (n *WhileStmt) node()      {}
func (n *WhileStmt) stmt()      {}

// DoWhileStmt is a post-tested loop.
type DoWhileStmt struct {
	SpanVal Span
	Body    Stmt
	Cond    Expr
}

func (n *DoWhileStmt) Span() Span { return n.SpanVal }
func (n *DoWhileStmt) node()      {}
func (n *DoWhileStmt) stmt()      {}

// ForStmt is a three-clause loop. Locals declared in Init are scoped to the
// loop.
type ForStmt struct {
	SpanVal Span
	Init    []Stmt
	Cond    Expr
	Reinit  []Expr
	Body    Stmt
}

func (n *ForStmt) Span() Span { return n.SpanVal }
func (n *ForStmt) node()      {}
func (n *ForStmt) stmt()      {}

// ForInStmt iterates over a collection with the iterator protocol. When
// Local is set, Var names a new loop-scoped local; otherwise Var is any
// assignable expression.
type ForInStmt struct {
	SpanVal Span
	Local   bool
	Var     Expr
	Coll    Expr
	Body    Stmt
}

func (n *ForInStmt) Span() Span { return n.SpanVal }
func (n *ForInStmt) node()      {}
func (n *ForInStmt) stmt()      {}

// ForEachStmt is `foreach (x in coll)`.
type ForEachStmt struct {
	SpanVal Span
	Local   bool
	Var     Expr
	Coll    Expr
	Body    Stmt
}

func (n *ForEachStmt) Span() Span { return n.SpanVal }
func (n *ForEachStmt) node()      {}
func (n *ForEachStmt) stmt()      {}

// ForRangeStmt is `for (x in from..to step s)`. Step may be nil.
type ForRangeStmt struct {
	SpanVal Span
	Local   bool
	Var     Expr
	From    Expr
	To      Expr
	Step    Expr
	Body    Stmt
}

func (n *ForRangeStmt) Span() Span { return n.SpanVal }
func (n *ForRangeStmt) node()      {}
func (n *ForRangeStmt) stmt()      {}

// SwitchStmt dispatches on a value. Case and default labels appear in Body.
type SwitchStmt struct {
	SpanVal Span
	Value   Expr
	Body    []Stmt
}

func (n *SwitchStmt) Span() Span { return n.SpanVal }
func (n *SwitchStmt) node()      {}
func (n *SwitchStmt) stmt()      {}

// CaseStmt is a case label.
type CaseStmt struct {
	SpanVal Span
	Value   Expr
}

func (n *CaseStmt) Span() Span { return n.SpanVal }
func (n *CaseStmt) node()      {}
func (n *CaseStmt) stmt()      {}

// DefaultStmt is the default label.
type DefaultStmt struct {
	SpanVal Span
}

func (n *DefaultStmt) Span() Span { return n.SpanVal }
func (n *DefaultStmt) node()      {}
func (n *DefaultStmt) stmt()      {}

// BreakStmt leaves a loop, switch or labeled statement.
type BreakStmt struct {
	SpanVal Span
	Label   string
}

func (n *BreakStmt) Span() Span { return n.SpanVal }
func (n *BreakStmt) node()      {}
func (n *BreakStmt) stmt()      {}

// ContinueStmt starts the next iteration of a loop.
type ContinueStmt struct {
	SpanVal Span
	Label   string
}

func (n *ContinueStmt) Span() Span { return n.SpanVal }
func (n *ContinueStmt) node()      {}
func (n *ContinueStmt) stmt()      {}

// GotoStmt transfers control to a labeled statement.
type GotoStmt struct {
	SpanVal Span
	Label   string
}

func (n *GotoStmt) Span() Span { return n.SpanVal }
func (n *GotoStmt) node()      {}
func (n *GotoStmt) stmt()      {}

// LabeledStmt attaches a label to a statement.
type LabeledStmt struct {
	SpanVal Span
	Label   string
	Stmt    Stmt
}

func (n *LabeledStmt) Span() Span { return n.SpanVal }
func (n *LabeledStmt) node()      {}
func (n *LabeledStmt) stmt()      {}

// ReturnStmt returns from the code body. Value may be nil.
type ReturnStmt struct {
	SpanVal Span
	Value   Expr
}

func (n *ReturnStmt) Span() Span { return n.SpanVal }
func (n *ReturnStmt) node()      {}
func (n *ReturnStmt) stmt()      {}

// ThrowStmt throws an exception object.
type ThrowStmt struct {
	SpanVal Span
	Value   Expr
}

func (n *ThrowStmt) Span() Span { return n.SpanVal }
func (n *ThrowStmt) node()      {}
func (n *ThrowStmt) stmt()      {}

// TryStmt is try/catch/finally. Finally may be nil.
type TryStmt struct {
	SpanVal Span
	Body    *Block
	Catches []*CatchClause
	Finally *Block
}

func (n *TryStmt) Span() Span { return n.SpanVal }
func (n *TryStmt) node()      {}
func (n *TryStmt) stmt()      {}

// CatchClause handles exceptions of Class, bound to the local Var.
type CatchClause struct {
	SpanVal Span
	Class   string
	Var     string
	Body    *Block
}

func (n *CatchClause) Span() Span { return n.SpanVal }
func (n *CatchClause) node()      {}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// IntLiteral is an integer constant.
type IntLiteral struct {
	SpanVal Span
	Value   int32
}

func (n *IntLiteral) Span() Span { return n.SpanVal }
func (n *IntLiteral) node()      {}
func (n *IntLiteral) expr()      {}

// StringLiteral is a single-quoted string constant.
type StringLiteral struct {
	SpanVal Span
	Value   string
}

func (n *StringLiteral) Span() Span { return n.SpanVal }
func (n *StringLiteral) node()      {}
func (n *StringLiteral) expr()      {}

// DStringLiteral is a double-quoted string, displayed when evaluated.
type DStringLiteral struct {
	SpanVal Span
	Value   string
}

func (n *DStringLiteral) Span() Span { return n.SpanVal }
func (n *DStringLiteral) node()      {}
func (n *DStringLiteral) expr()      {}

// ListLiteral is a list. It is a pool constant when every element is.
type ListLiteral struct {
	SpanVal Span
	Elems   []Expr
}

func (n *ListLiteral) Span() Span { return n.SpanVal }
func (n *ListLiteral) node()      {}
func (n *ListLiteral) expr()      {}

// NilLiteral is nil.
type NilLiteral struct {
	SpanVal Span
}

func (n *NilLiteral) Span() Span { return n.SpanVal }
func (n *NilLiteral) node()      {}
func (n *NilLiteral) expr()      {}

// TrueLiteral is true.
type TrueLiteral struct {
	SpanVal Span
}

func (n *TrueLiteral) Span() Span { return n.SpanVal }
func (n *TrueLiteral) node()      {}
func (n *TrueLiteral) expr()      {}

// BigNumLiteral is an arbitrary-precision decimal constant.
type BigNumLiteral struct {
	SpanVal Span
	Text    string

	objID uint32 // object created for the literal
}

func (n *BigNumLiteral) Span() Span { return n.SpanVal }
func (n *BigNumLiteral) node()      {}
func (n *BigNumLiteral) expr()      {}

// RegexLiteral is a regular expression pattern constant.
type RegexLiteral struct {
	SpanVal Span
	Pattern string

	objID uint32
}

func (n *RegexLiteral) Span() Span { return n.SpanVal }
func (n *RegexLiteral) node()      {}
func (n *RegexLiteral) expr()      {}

// Ident names a local, parameter or global symbol.
type Ident struct {
	SpanVal Span
	Name    string
}

func (n *Ident) Span() Span { return n.SpanVal }
func (n *Ident) node()      {}
func (n *Ident) expr()      {}

// SelfExpr is `self`.
type SelfExpr struct {
	SpanVal Span
}

func (n *SelfExpr) Span() Span { return n.SpanVal }
func (n *SelfExpr) node()      {}
func (n *SelfExpr) expr()      {}

// ArgcExpr is `argcount`.
type ArgcExpr struct {
	SpanVal Span
}

func (n *ArgcExpr) Span() Span { return n.SpanVal }
func (n *ArgcExpr) node()      {}
func (n *ArgcExpr) expr()      {}

// AddrExpr is `&name`: a property pointer or function pointer.
type AddrExpr struct {
	SpanVal Span
	Name    string
}

func (n *AddrExpr) Span() Span { return n.SpanVal }
func (n *AddrExpr) node()      {}
func (n *AddrExpr) expr()      {}

// BinaryOp enumerates binary operators.
type BinaryOp int

const (
	BinNone BinaryOp = iota
	BinAdd
	BinSub
	BinMul
	BinDiv
	BinMod
	BinShl
	BinAShr
	BinLShr
	BinBitAnd
	BinBitOr
	BinXor
	BinEq
	BinNe
	BinLt
	BinLe
	BinGt
	BinGe
	BinAnd // logical, short-circuit
	BinOr  // logical, short-circuit
)

var binaryOpcodes = map[BinaryOp]vm.Opcode{
	BinAdd:    vm.OpAdd,
	BinSub:    vm.OpSub,
	BinMul:    vm.OpMul,
	BinDiv:    vm.OpDiv,
	BinMod:    vm.OpMod,
	BinShl:    vm.OpShl,
	BinAShr:   vm.OpAShr,
	BinLShr:   vm.OpLShr,
	BinBitAnd: vm.OpBAnd,
	BinBitOr:  vm.OpBOr,
	BinXor:    vm.OpXor,
	BinEq:     vm.OpEq,
	BinNe:     vm.OpNe,
	BinLt:     vm.OpLt,
	BinLe:     vm.OpLe,
	BinGt:     vm.OpGt,
	BinGe:     vm.OpGe,
}

// BinaryExpr applies a binary operator.
type BinaryExpr struct {
	SpanVal Span
	Op      BinaryOp
	Left    Expr
	Right   Expr
}

func (n *BinaryExpr) Span() Span { return n.SpanVal }
func (n *BinaryExpr) node()      {}
func (n *BinaryExpr) expr()      {}

// UnaryOp enumerates unary operators.
type UnaryOp int

const (
	UnNeg UnaryOp = iota + 1
	UnBitNot
	UnNot
)

// UnaryExpr applies a unary operator.
type UnaryExpr struct {
	SpanVal Span
	Op      UnaryOp
	X       Expr
}

func (n *UnaryExpr) Span() Span { return n.SpanVal }
func (n *UnaryExpr) node()      {}
func (n *UnaryExpr) expr()      {}

// CondExpr is `cond ? a : b`.
type CondExpr struct {
	SpanVal Span
	Cond    Expr
	Then    Expr
	Else    Expr
}

func (n *CondExpr) Span() Span { return n.SpanVal }
func (n *CondExpr) node()      {}
func (n *CondExpr) expr()      {}

// AssignExpr is `target = value` or, with Op set, `target op= value`.
type AssignExpr struct {
	SpanVal Span
	Op      BinaryOp
	Target  Expr
	Value   Expr
}

func (n *AssignExpr) Span() Span { return n.SpanVal }
func (n *AssignExpr) node()      {}
func (n *AssignExpr) expr()      {}

// IncDecExpr is ++ or -- in prefix or postfix form.
type IncDecExpr struct {
	SpanVal Span
	Target  Expr
	Dec     bool
	Post    bool
}

func (n *IncDecExpr) Span() Span { return n.SpanVal }
func (n *IncDecExpr) node()      {}
func (n *IncDecExpr) expr()      {}

// CallExpr calls a function, built-in or function pointer.
type CallExpr struct {
	SpanVal Span
	Fn      Expr
	Args    []Expr
}

func (n *CallExpr) Span() Span { return n.SpanVal }
func (n *CallExpr) node()      {}
func (n *CallExpr) expr()      {}

// MemberExpr is `obj.prop`, `obj.prop(args)` or `obj.(expr)(args)`. A nil
// Obj means self.
type MemberExpr struct {
	SpanVal  Span
	Obj      Expr
	Prop     string
	PropExpr Expr
	Args     []Expr
	HasArgs  bool
}

func (n *MemberExpr) Span() Span { return n.SpanVal }
func (n *MemberExpr) node()      {}
func (n *MemberExpr) expr()      {}

// IndexExpr is `x[i]`.
type IndexExpr struct {
	SpanVal Span
	X       Expr
	Index   Expr
}

func (n *IndexExpr) Span() Span { return n.SpanVal }
func (n *IndexExpr) node()      {}
func (n *IndexExpr) expr()      {}

// NewExpr creates an instance of a class or intrinsic class.
type NewExpr struct {
	SpanVal   Span
	Class     string
	Args      []Expr
	Transient bool
}

func (n *NewExpr) Span() Span { return n.SpanVal }
func (n *NewExpr) node()      {}
func (n *NewExpr) expr()      {}

// InheritedExpr is `inherited prop(args)` or, with Class set,
// `inherited Class.prop(args)`.
type InheritedExpr struct {
	SpanVal Span
	Class   string
	Prop    string
	Args    []Expr
}

func (n *InheritedExpr) Span() Span { return n.SpanVal }
func (n *InheritedExpr) node()      {}
func (n *InheritedExpr) expr()      {}

// DelegatedExpr is `delegated obj.prop(args)`.
type DelegatedExpr struct {
	SpanVal Span
	Obj     Expr
	Prop    string
	Args    []Expr
}

func (n *DelegatedExpr) Span() Span { return n.SpanVal }
func (n *DelegatedExpr) node()      {}
func (n *DelegatedExpr) expr()      {}
