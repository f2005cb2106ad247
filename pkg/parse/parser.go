// Package parse implements the '#include' preprocessor and the goparsec-based parser that
// together turn source text into a pkg/ast.Program: one pc.NewAST root (grammar.go), a
// Parser{reader} struct with a two-phase FromSource/FromAST split, and the
// PARSEC_DEBUG/EXPORT_AST/PRINT_AST environment-variable feature flags.
package parse

import (
	"fmt"
	"io"
	"os"
	"strconv"

	pc "github.com/prataprc/goparsec"

	"hwsm.dev/compiler/pkg/ast"
)

// Parser converts source text into a pkg/ast.Program.
type Parser struct{ reader io.Reader }

// NewParser returns a Parser reading source from r.
func NewParser(r io.Reader) Parser { return Parser{reader: r} }

// Parse runs both phases of the pipeline: text -> goparsec AST -> pkg/ast.Program.
func (p *Parser) Parse() (ast.Program, error) {
	content, err := io.ReadAll(p.reader)
	if err != nil {
		return ast.Program{}, fmt.Errorf("cannot read from 'io.Reader': %w", err)
	}

	root, success := p.FromSource(content)
	if !success {
		return ast.Program{}, fmt.Errorf("failed to parse AST from input content")
	}

	return p.FromAST(root)
}

// FromSource scans source and returns the traversable goparsec AST, honoring the
// PARSEC_DEBUG/EXPORT_AST/PRINT_AST feature flags.
func (p *Parser) FromSource(source []byte) (pc.Queryable, bool) {
	if os.Getenv("PARSEC_DEBUG") != "" {
		astRoot.SetDebug()
	}

	root, _ := astRoot.Parsewith(pProgram, pc.NewScanner(source))

	if os.Getenv("EXPORT_AST") != "" {
		if file, err := os.Create(fmt.Sprintf("%s/debug.ast.dot", os.Getenv("DEBUG_FOLDER"))); err == nil {
			defer file.Close()
			file.Write([]byte(astRoot.Dotstring("\"Smc AST\"")))
		}
	}
	if os.Getenv("PRINT_AST") != "" {
		astRoot.Prettyprint()
	}

	// The boolean reports only whether a parse tree was produced; it does not check that
	// the scanner reached the end of the input.
	return root, root != nil
}

// FromAST walks the goparsec parse tree rooted at root (a "program" node) and builds the
// parser-agnostic pkg/ast.Program through one handle* method per node kind.
func (p *Parser) FromAST(root pc.Queryable) (ast.Program, error) {
	if root == nil || root.GetName() != "program" {
		return ast.Program{}, fmt.Errorf("expected node 'program', found %v", nodeName(root))
	}
	children := root.GetChildren()
	if len(children) != 2 {
		return ast.Program{}, fmt.Errorf("expected 'program' node with 2 children, got %d", len(children))
	}

	declsNode, mainNode := children[0], children[1]
	if declsNode.GetName() != "decls" {
		return ast.Program{}, fmt.Errorf("expected node 'decls', found %s", declsNode.GetName())
	}

	decls := make([]ast.Declaration, 0, len(declsNode.GetChildren()))
	for _, d := range declsNode.GetChildren() {
		decl, err := p.handleDecl(d)
		if err != nil {
			return ast.Program{}, err
		}
		decls = append(decls, decl)
	}

	main, err := p.handleMainFunc(mainNode)
	if err != nil {
		return ast.Program{}, err
	}

	return ast.Program{Declarations: decls, Main: main}, nil
}

func nodeName(n pc.Queryable) string {
	if n == nil {
		return "<nil>"
	}
	return n.GetName()
}

func (p *Parser) handleDecl(node pc.Queryable) (ast.Declaration, error) {
	if node.GetName() != "decl" {
		return ast.Declaration{}, fmt.Errorf("expected node 'decl', found %s", node.GetName())
	}
	children := node.GetChildren()
	if len(children) != 4 {
		return ast.Declaration{}, fmt.Errorf("expected node 'decl' with 4 children, got %d", len(children))
	}

	name := children[1].GetValue()
	initNode := children[2]
	if initNode.GetName() != "init_assign" {
		return ast.Declaration{Name: name, HasInit: false}, nil
	}

	initChildren := initNode.GetChildren()
	if len(initChildren) != 2 {
		return ast.Declaration{}, fmt.Errorf("expected node 'init_assign' with 2 children, got %d", len(initChildren))
	}
	value, err := parseInt(initChildren[1])
	if err != nil {
		return ast.Declaration{}, fmt.Errorf("parsing initializer for %q: %w", name, err)
	}
	return ast.Declaration{Name: name, HasInit: true, Init: value}, nil
}

func (p *Parser) handleMainFunc(node pc.Queryable) (ast.Function, error) {
	if node.GetName() != "main_func" {
		return ast.Function{}, fmt.Errorf("expected node 'main_func', found %s", node.GetName())
	}
	children := node.GetChildren()
	if len(children) != 5 {
		return ast.Function{}, fmt.Errorf("expected node 'main_func' with 5 children, got %d", len(children))
	}

	body, err := p.handleBlockStatements(children[4])
	if err != nil {
		return ast.Function{}, err
	}
	return ast.Function{Name: "main", Body: body}, nil
}

// handleBlockStatements unwraps a "block" node (LBRACE, stmts, RBRACE) into its statement list.
func (p *Parser) handleBlockStatements(node pc.Queryable) ([]ast.Statement, error) {
	if node.GetName() != "block" {
		return nil, fmt.Errorf("expected node 'block', found %s", node.GetName())
	}
	children := node.GetChildren()
	if len(children) != 3 {
		return nil, fmt.Errorf("expected node 'block' with 3 children, got %d", len(children))
	}
	stmtsNode := children[1]
	if stmtsNode.GetName() != "stmts" {
		return nil, fmt.Errorf("expected node 'stmts', found %s", stmtsNode.GetName())
	}

	out := make([]ast.Statement, 0, len(stmtsNode.GetChildren()))
	for _, s := range stmtsNode.GetChildren() {
		stmt, err := p.handleStatement(s)
		if err != nil {
			return nil, err
		}
		out = append(out, stmt)
	}
	return out, nil
}

func (p *Parser) handleStatement(node pc.Queryable) (ast.Statement, error) {
	switch node.GetName() {
	case "block":
		stmts, err := p.handleBlockStatements(node)
		if err != nil {
			return nil, err
		}
		return ast.Block{Statements: stmts}, nil
	case "if_stmt":
		return p.handleIf(node)
	case "while_stmt":
		return p.handleWhile(node)
	case "for_stmt":
		return p.handleFor(node)
	case "switch_stmt":
		return p.handleSwitch(node)
	case "break_stmt":
		return ast.BreakStmt{}, nil
	case "continue_stmt":
		return ast.ContinueStmt{}, nil
	case "assign_stmt":
		return p.handleAssignStmt(node)
	case "expr_stmt":
		return p.handleExprStmt(node)
	default:
		return nil, fmt.Errorf("unrecognized statement node %q", node.GetName())
	}
}

func (p *Parser) handleIf(node pc.Queryable) (ast.Statement, error) {
	children := node.GetChildren()
	if len(children) != 6 {
		return nil, fmt.Errorf("expected node 'if_stmt' with 6 children, got %d", len(children))
	}

	cond, err := p.handleExpr(children[2])
	if err != nil {
		return nil, err
	}
	thenStmts, err := p.handleBlockStatements(children[4])
	if err != nil {
		return nil, err
	}

	elseNode := children[5]
	var elseStmts []ast.Statement
	if elseNode.GetName() == "else_clause" {
		elseChildren := elseNode.GetChildren()
		if len(elseChildren) != 2 {
			return nil, fmt.Errorf("expected node 'else_clause' with 2 children, got %d", len(elseChildren))
		}
		body := elseChildren[1]
		switch body.GetName() {
		case "if_stmt":
			nested, err := p.handleIf(body)
			if err != nil {
				return nil, err
			}
			elseStmts = []ast.Statement{nested}
		case "block":
			elseStmts, err = p.handleBlockStatements(body)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unrecognized else-body node %q", body.GetName())
		}
	}

	return ast.IfStmt{Condition: cond, Then: thenStmts, Else: elseStmts}, nil
}

func (p *Parser) handleWhile(node pc.Queryable) (ast.Statement, error) {
	children := node.GetChildren()
	if len(children) != 5 {
		return nil, fmt.Errorf("expected node 'while_stmt' with 5 children, got %d", len(children))
	}
	cond, err := p.handleExpr(children[2])
	if err != nil {
		return nil, err
	}
	body, err := p.handleBlockStatements(children[4])
	if err != nil {
		return nil, err
	}
	return ast.WhileStmt{Condition: cond, Body: body}, nil
}

func (p *Parser) handleFor(node pc.Queryable) (ast.Statement, error) {
	children := node.GetChildren()
	if len(children) != 9 {
		return nil, fmt.Errorf("expected node 'for_stmt' with 9 children, got %d", len(children))
	}

	var initStmt ast.Statement
	if initNode := children[2]; initNode.GetName() == "assign_nosemi" {
		s, err := p.handleAssignNoSemi(initNode)
		if err != nil {
			return nil, err
		}
		initStmt = s
	}

	var cond ast.Expression = ast.LiteralExpr{Value: 1} // an omitted for-condition is always true
	if condNode := children[4]; condNode.GetName() == "or_expr" {
		c, err := p.handleExpr(condNode)
		if err != nil {
			return nil, err
		}
		cond = c
	}

	var updateStmt ast.Statement
	if updateNode := children[6]; updateNode.GetName() == "assign_nosemi" {
		s, err := p.handleAssignNoSemi(updateNode)
		if err != nil {
			return nil, err
		}
		updateStmt = s
	}

	body, err := p.handleBlockStatements(children[8])
	if err != nil {
		return nil, err
	}

	return ast.ForStmt{Init: initStmt, Condition: cond, Update: updateStmt, Body: body}, nil
}

func (p *Parser) handleSwitch(node pc.Queryable) (ast.Statement, error) {
	children := node.GetChildren()
	if len(children) != 7 {
		return nil, fmt.Errorf("expected node 'switch_stmt' with 7 children, got %d", len(children))
	}

	selector, err := p.handleExpr(children[2])
	if err != nil {
		return nil, err
	}

	armsNode := children[5]
	if armsNode.GetName() != "case_arms" {
		return nil, fmt.Errorf("expected node 'case_arms', found %s", armsNode.GetName())
	}

	cases := make([]ast.SwitchCase, 0, len(armsNode.GetChildren()))
	defaultIdx := -1
	for i, arm := range armsNode.GetChildren() {
		c, isDefault, err := p.handleCaseArm(arm)
		if err != nil {
			return nil, err
		}
		if isDefault {
			defaultIdx = i
		}
		cases = append(cases, c)
	}

	return ast.SwitchStmt{Selector: selector, Cases: cases, DefaultIdx: defaultIdx}, nil
}

func (p *Parser) handleCaseArm(node pc.Queryable) (ast.SwitchCase, bool, error) {
	if node.GetName() != "case_arm" {
		return ast.SwitchCase{}, false, fmt.Errorf("expected node 'case_arm', found %s", node.GetName())
	}
	children := node.GetChildren()
	if len(children) != 2 {
		return ast.SwitchCase{}, false, fmt.Errorf("expected node 'case_arm' with 2 children, got %d", len(children))
	}

	label, bodyNode := children[0], children[1]
	if bodyNode.GetName() != "case_body" {
		return ast.SwitchCase{}, false, fmt.Errorf("expected node 'case_body', found %s", bodyNode.GetName())
	}
	body := make([]ast.Statement, 0, len(bodyNode.GetChildren()))
	for _, s := range bodyNode.GetChildren() {
		stmt, err := p.handleStatement(s)
		if err != nil {
			return ast.SwitchCase{}, false, err
		}
		body = append(body, stmt)
	}

	switch label.GetName() {
	case "default":
		return ast.SwitchCase{IsDefault: true, Body: body}, true, nil
	case "case":
		labelChildren := label.GetChildren()
		if len(labelChildren) != 3 {
			return ast.SwitchCase{}, false, fmt.Errorf("expected node 'case' with 3 children, got %d", len(labelChildren))
		}
		val, err := parseInt(labelChildren[1])
		if err != nil {
			return ast.SwitchCase{}, false, fmt.Errorf("parsing case label: %w", err)
		}
		return ast.SwitchCase{Value: val, Body: body}, false, nil
	default:
		return ast.SwitchCase{}, false, fmt.Errorf("unrecognized case-label node %q", label.GetName())
	}
}

func (p *Parser) handleAssignStmt(node pc.Queryable) (ast.Statement, error) {
	children := node.GetChildren()
	if len(children) != 3 {
		return nil, fmt.Errorf("expected node 'assign_stmt' with 3 children, got %d", len(children))
	}
	return p.handleAssignChildren(children[0], children[1])
}

func (p *Parser) handleAssignNoSemi(node pc.Queryable) (ast.Statement, error) {
	children := node.GetChildren()
	if len(children) != 2 {
		return nil, fmt.Errorf("expected node 'assign_nosemi' with 2 children, got %d", len(children))
	}
	return p.handleAssignChildren(children[0], children[1])
}

func (p *Parser) handleAssignChildren(firstNode, restNode pc.Queryable) (ast.Statement, error) {
	first, err := p.handleSingleAssign(firstNode)
	if err != nil {
		return nil, err
	}
	assigns := []ast.SingleAssign{first}

	if restNode.GetName() != "more_assigns" {
		return nil, fmt.Errorf("expected node 'more_assigns', found %s", restNode.GetName())
	}
	for _, a := range restNode.GetChildren() {
		next, err := p.handleSingleAssign(a)
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, next)
	}

	return ast.AssignStmt{Assigns: assigns}, nil
}

func (p *Parser) handleSingleAssign(node pc.Queryable) (ast.SingleAssign, error) {
	if node.GetName() != "single_assign" {
		return ast.SingleAssign{}, fmt.Errorf("expected node 'single_assign', found %s", node.GetName())
	}
	children := node.GetChildren()
	if len(children) != 3 {
		return ast.SingleAssign{}, fmt.Errorf("expected node 'single_assign' with 3 children, got %d", len(children))
	}
	rhs, err := p.handleExpr(children[2])
	if err != nil {
		return ast.SingleAssign{}, err
	}
	return ast.SingleAssign{Name: children[0].GetValue(), Rhs: rhs}, nil
}

// handleExprStmt keeps bare expression statements in the tree: every
// expression statement is represented, even the ones that pkg/lower will later warn about
// and drop (only assignments/comma-of-assignments produce code downstream).
func (p *Parser) handleExprStmt(node pc.Queryable) (ast.Statement, error) {
	children := node.GetChildren()
	if len(children) != 2 {
		return nil, fmt.Errorf("expected node 'expr_stmt' with 2 children, got %d", len(children))
	}
	e, err := p.handleExpr(children[0])
	if err != nil {
		return nil, err
	}
	return ast.ExprStmt{Expr: e}, nil
}

// ----------------------------------------------------------------------------
// Expressions

// handleExpr dispatches over the whole precedence chain from grammar.go: every expression
// parse always produces an "or_expr" node at the top (pExpr == pLogOr), recursing down
// through and/bitor/bitxor/bitand/eq/rel levels to the unary/primary leaves.
func (p *Parser) handleExpr(node pc.Queryable) (ast.Expression, error) {
	switch node.GetName() {
	case "or_expr":
		return p.handleLeftAssoc(node, "or_rest", func(string) ast.BinaryOp { return ast.LogOr })
	case "and_expr":
		return p.handleLeftAssoc(node, "and_rest", func(string) ast.BinaryOp { return ast.LogAnd })
	case "bitor_expr":
		return p.handleLeftAssoc(node, "bitor_rest", func(string) ast.BinaryOp { return ast.BitOr })
	case "bitxor_expr":
		return p.handleLeftAssoc(node, "bitxor_rest", func(string) ast.BinaryOp { return ast.BitXor })
	case "bitand_expr":
		return p.handleLeftAssoc(node, "bitand_rest", func(string) ast.BinaryOp { return ast.BitAnd })
	case "eq_expr":
		return p.handleLeftAssoc(node, "eq_rest", eqOpFor)
	case "rel_expr":
		return p.handleLeftAssoc(node, "rel_rest", relOpFor)
	case "add_expr":
		return p.handleLeftAssoc(node, "add_rest", addOpFor)
	case "mul_expr":
		return p.handleLeftAssoc(node, "mul_rest", mulOpFor)
	case "not_expr":
		rhs, err := p.handleUnaryOperand(node)
		if err != nil {
			return nil, err
		}
		return ast.UnaryExpr{Op: ast.Not, Rhs: rhs}, nil
	case "bitnot_expr":
		rhs, err := p.handleUnaryOperand(node)
		if err != nil {
			return nil, err
		}
		return ast.UnaryExpr{Op: ast.BitNot, Rhs: rhs}, nil
	case "paren_expr":
		children := node.GetChildren()
		if len(children) != 3 {
			return nil, fmt.Errorf("expected node 'paren_expr' with 3 children, got %d", len(children))
		}
		return p.handleExpr(children[1])
	case "IDENT":
		return ast.IdentExpr{Name: node.GetValue()}, nil
	default:
		if v, err := parseInt(node); err == nil {
			return ast.LiteralExpr{Value: v}, nil
		}
		return nil, fmt.Errorf("unrecognized expression node %q", node.GetName())
	}
}

func (p *Parser) handleUnaryOperand(node pc.Queryable) (ast.Expression, error) {
	children := node.GetChildren()
	if len(children) != 2 {
		return nil, fmt.Errorf("expected unary node %q with 2 children, got %d", node.GetName(), len(children))
	}
	return p.handleExpr(children[1])
}

// handleLeftAssoc folds a '<lhs> (<op> <rhs>)*' chain left to right, the shape every binary
// precedence level in grammar.go shares: a base operand followed by a "<rest>"-named Kleene
// node whose children each carry the matched operator symbol and the next operand.
func (p *Parser) handleLeftAssoc(node pc.Queryable, restName string, opFor func(symbolName string) ast.BinaryOp) (ast.Expression, error) {
	children := node.GetChildren()
	if len(children) != 2 {
		return nil, fmt.Errorf("expected node %q with 2 children, got %d", node.GetName(), len(children))
	}

	lhs, err := p.handleExpr(children[0])
	if err != nil {
		return nil, err
	}

	restNode := children[1]
	if restNode.GetName() != restName {
		return nil, fmt.Errorf("expected node %q, found %s", restName, restNode.GetName())
	}

	for _, opNode := range restNode.GetChildren() {
		opChildren := opNode.GetChildren()
		if len(opChildren) != 2 {
			return nil, fmt.Errorf("expected op node with 2 children, got %d", len(opChildren))
		}
		rhs, err := p.handleExpr(opChildren[1])
		if err != nil {
			return nil, err
		}
		lhs = ast.BinaryExpr{Op: opFor(opChildren[0].GetName()), Lhs: lhs, Rhs: rhs}
	}

	return lhs, nil
}

func eqOpFor(symbolName string) ast.BinaryOp {
	if symbolName == "NE_OP" {
		return ast.Ne
	}
	return ast.Eq
}

func addOpFor(symbolName string) ast.BinaryOp {
	if symbolName == "SUB_OP" {
		return ast.Sub
	}
	return ast.Add
}

func mulOpFor(symbolName string) ast.BinaryOp {
	if symbolName == "DIV_OP" {
		return ast.Div
	}
	return ast.Mul
}

func relOpFor(symbolName string) ast.BinaryOp {
	switch symbolName {
	case "LE_OP":
		return ast.Le
	case "GE_OP":
		return ast.Ge
	case "GT_OP":
		return ast.Gt
	default: // "LT_OP"
		return ast.Lt
	}
}

// parseInt reads an integer literal leaf's matched text. goparsec's pc.Int() names its
// token "INT"; the fallback covers any grammar-compatible scanner that names it differently.
func parseInt(node pc.Queryable) (int, error) {
	v, err := strconv.Atoi(node.GetValue())
	if err != nil {
		return 0, fmt.Errorf("expected integer literal, found %q (%s)", node.GetValue(), node.GetName())
	}
	return v, nil
}
