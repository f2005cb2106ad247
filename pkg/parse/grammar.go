package parse

import (
	pc "github.com/prataprc/goparsec"
)

// astRoot is the traversable-AST root every combinator below is built against.
var astRoot = pc.NewAST("smc_program", 0)

// ----------------------------------------------------------------------------
// Top level: declarations + the single 'main' function

// pProgram, pMainFunc, pBlock, pIfStmt, pWhileStmt, pForStmt and pStatement all sit on the
// same initialization-cycle chain as pExpr below (pBlock recurses into pStatement through the
// pStatementRef indirection, and pStatement lists pBlock as its first alternative, so neither
// can be an ordinary initializer without the compiler flagging a cycle). They are declared
// with no initializer here and assigned in dependency order in the init() func alongside pExpr.
var (
	pProgram   pc.Parser
	pMainFunc  pc.Parser
	pBlock     pc.Parser
	pIfStmt    pc.Parser
	pWhileStmt pc.Parser
	pForStmt   pc.Parser
	pStatement pc.Parser
)

var (
	pDecl = astRoot.And("decl", nil,
		pc.Atom("int", "INT_KW"), pIdent,
		astRoot.Maybe("maybe_init", nil, astRoot.And("init_assign", nil, pc.Atom("=", "ASSIGN"), pIntLit)),
		pSemi,
	)

	pReturnType = astRoot.OrdChoice("return_type", nil, pc.Atom("void", "VOID_KW"), pc.Atom("int", "INT_KW"))
)

// ----------------------------------------------------------------------------
// Statements

var (
	pCaseLabel = astRoot.OrdChoice("case_label", nil,
		astRoot.And("case", nil, pc.Atom("case", "CASE_KW"), pIntLit, pc.Atom(":", "COLON")),
		astRoot.And("default", nil, pc.Atom("default", "DEFAULT_KW"), pc.Atom(":", "COLON")),
	)
	pCaseArm    = astRoot.And("case_arm", nil, pCaseLabel, astRoot.Kleene("case_body", nil, pStatementRef))
	pSwitchStmt = astRoot.And("switch_stmt", nil,
		pc.Atom("switch", "SWITCH_KW"), pLParen, pExprRef, pRParen,
		pLBrace, astRoot.Kleene("case_arms", nil, pCaseArm), pRBrace,
	)

	pBreakStmt    = astRoot.And("break_stmt", nil, pc.Atom("break", "BREAK_KW"), pSemi)
	pContinueStmt = astRoot.And("continue_stmt", nil, pc.Atom("continue", "CONTINUE_KW"), pSemi)

	pSingleAssign = astRoot.And("single_assign", nil, pIdent, pc.Atom("=", "ASSIGN"), pExprRef)
	pAssignStmt   = astRoot.And("assign_stmt", nil,
		pSingleAssign, astRoot.Kleene("more_assigns", nil, pSingleAssign, pComma), pSemi,
	)
	pAssignNoSemi = astRoot.And("assign_nosemi", nil,
		pSingleAssign, astRoot.Kleene("more_assigns", nil, pSingleAssign, pComma),
	)

	pExprStmt = astRoot.And("expr_stmt", nil, pExprRef, pSemi)
)

// pIfStmtRef/pStatementRef indirect through the package-level vars above so 'else if' chains
// and switch-case bodies can recurse into productions declared earlier in this file, exactly
// the same forward-reference need pExprRef solves for parenthesized sub-expressions below.
func pIfStmtRef(s pc.Scanner) (pc.ParsecNode, pc.Scanner) { return pIfStmt(s) }
func pStatementRef(s pc.Scanner) (pc.ParsecNode, pc.Scanner) {
	return pStatement(s)
}

// ----------------------------------------------------------------------------
// Expressions, by descending precedence: || , && , | , ^ , & , ==/!= , relational, +/- , */ , unary, primary

// pExpr recurses into itself (through parenthesized sub-expressions in
// pPrimary), so it is declared with no initializer, giving it no dependency edge of its own,
// and assigned in init() once the whole precedence chain below it already exists. Every other
// production that needs to recurse into an expression does so through pExprRef, a thin
// indirection that only reads pExpr when actually invoked during parsing, long after init().
//
// pUnary recurses into itself (through pUnaryRef) for '!!x'-style repeated unary prefixes, which
// is the same kind of initialization cycle pExpr avoids. Everything between pUnary and pExpr in
// the precedence chain references its predecessor directly (not through a Ref indirection), so
// each of those productions would otherwise capture pUnary's zero value at var-initialization
// time; they are declared with no initializer here too and assigned in dependency order below,
// alongside pExpr and the statement/program productions declared further up this file.
var (
	pUnary          pc.Parser
	pMultiplicative pc.Parser
	pAdditive       pc.Parser
	pRelational     pc.Parser
	pEquality       pc.Parser
	pBitAnd         pc.Parser
	pBitXor         pc.Parser
	pBitOr          pc.Parser
	pLogAnd         pc.Parser
	pLogOr          pc.Parser
	pExpr           pc.Parser
)

func init() {
	pUnary = astRoot.OrdChoice("unary_expr", nil,
		astRoot.And("not_expr", nil, pc.Atom("!", "NOT_OP"), pUnaryRef),
		astRoot.And("bitnot_expr", nil, pc.Atom("~", "BITNOT_OP"), pUnaryRef),
		pPrimary,
	)
	pMultiplicative = astRoot.And("mul_expr", nil, pUnary, astRoot.Kleene("mul_rest", nil, astRoot.And("mul_op", nil,
		astRoot.OrdChoice("mul_sym", nil, pc.Atom("*", "MUL_OP"), pc.Atom("/", "DIV_OP")), pUnary,
	)))
	pAdditive = astRoot.And("add_expr", nil, pMultiplicative, astRoot.Kleene("add_rest", nil, astRoot.And("add_op", nil,
		astRoot.OrdChoice("add_sym", nil, pc.Atom("+", "ADD_OP"), pc.Atom("-", "SUB_OP")), pMultiplicative,
	)))
	pRelational = astRoot.And("rel_expr", nil, pAdditive, astRoot.Kleene("rel_rest", nil, astRoot.And("rel_op", nil,
		astRoot.OrdChoice("rel_sym", nil, pc.Atom("<=", "LE_OP"), pc.Atom(">=", "GE_OP"), pc.Atom("<", "LT_OP"), pc.Atom(">", "GT_OP")), pAdditive,
	)))
	pEquality = astRoot.And("eq_expr", nil, pRelational, astRoot.Kleene("eq_rest", nil, astRoot.And("eq_op", nil,
		astRoot.OrdChoice("eq_sym", nil, pc.Atom("==", "EQ_OP"), pc.Atom("!=", "NE_OP")), pRelational,
	)))
	pBitAnd = astRoot.And("bitand_expr", nil, pEquality, astRoot.Kleene("bitand_rest", nil, astRoot.And("bitand_op", nil, pc.Atom("&", "BITAND_OP"), pEquality)))
	pBitXor = astRoot.And("bitxor_expr", nil, pBitAnd, astRoot.Kleene("bitxor_rest", nil, astRoot.And("bitxor_op", nil, pc.Atom("^", "BITXOR_OP"), pBitAnd)))
	pBitOr = astRoot.And("bitor_expr", nil, pBitXor, astRoot.Kleene("bitor_rest", nil, astRoot.And("bitor_op", nil, pc.Atom("|", "BITOR_OP"), pBitXor)))
	pLogAnd = astRoot.And("and_expr", nil, pBitOr, astRoot.Kleene("and_rest", nil, astRoot.And("and_op", nil, pc.Atom("&&", "AND_OP"), pBitOr)))
	pLogOr = astRoot.And("or_expr", nil, pLogAnd, astRoot.Kleene("or_rest", nil, astRoot.And("or_op", nil, pc.Atom("||", "OR_OP"), pLogAnd)))
	pExpr = pLogOr

	// Statement/program productions sit on the same cycle (see the comment on their var block
	// near the top of this file) and must be assigned after the expression chain above exists.
	pBlock = astRoot.And("block", nil, pLBrace, astRoot.Kleene("stmts", nil, pStatementRef), pRBrace)
	pIfStmt = astRoot.And("if_stmt", nil,
		pc.Atom("if", "IF_KW"), pLParen, pExprRef, pRParen, pBlock,
		astRoot.Maybe("maybe_else", nil, astRoot.And("else_clause", nil,
			pc.Atom("else", "ELSE_KW"), astRoot.OrdChoice("else_body", nil, pIfStmtRef, pBlock),
		)),
	)
	pWhileStmt = astRoot.And("while_stmt", nil, pc.Atom("while", "WHILE_KW"), pLParen, pExprRef, pRParen, pBlock)
	pForStmt = astRoot.And("for_stmt", nil,
		pc.Atom("for", "FOR_KW"), pLParen,
		astRoot.Maybe("maybe_for_init", nil, pAssignNoSemi), pSemi,
		astRoot.Maybe("maybe_for_cond", nil, pExprRef), pSemi,
		astRoot.Maybe("maybe_for_update", nil, pAssignNoSemi), pRParen,
		pBlock,
	)
	pStatement = astRoot.OrdChoice("statement", nil,
		pBlock, pIfStmt, pWhileStmt, pForStmt, pSwitchStmt,
		pBreakStmt, pContinueStmt, pAssignStmt, pExprStmt,
	)
	pMainFunc = astRoot.And("main_func", nil, pReturnType, pc.Atom("main", "MAIN_KW"), pLParen, pRParen, pBlock)
	pProgram = astRoot.And("program", nil, astRoot.Kleene("decls", nil, pDecl), pMainFunc)
}

func pExprRef(s pc.Scanner) (pc.ParsecNode, pc.Scanner) { return pExpr(s) }

// pUnaryRef breaks the same kind of recursion pExprRef does, for '!!x'-style repeated unary
// prefixes.
func pUnaryRef(s pc.Scanner) (pc.ParsecNode, pc.Scanner) { return pUnary(s) }

var pPrimary = astRoot.OrdChoice("primary_expr", nil,
	astRoot.And("paren_expr", nil, pLParen, pExprRef, pRParen),
	pIntLit, pIdent,
)

// ----------------------------------------------------------------------------
// Terminals

var (
	pIdent  = pc.Token(`[A-Za-z_][0-9A-Za-z_]*`, "IDENT")
	pIntLit = pc.Int()

	pSemi   = pc.Atom(";", "SEMI")
	pComma  = pc.Atom(",", "COMMA")
	pLBrace = pc.Atom("{", "LBRACE")
	pRBrace = pc.Atom("}", "RBRACE")
	pLParen = pc.Atom("(", "LPAREN")
	pRParen = pc.Atom(")", "RPAREN")
)
