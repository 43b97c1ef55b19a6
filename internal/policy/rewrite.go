package policy

import (
	"context"
	"fmt"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/auxten/postgresql-parser/pkg/sql/sem/tree"
	"github.com/auxten/postgresql-parser/pkg/walk"
)

// rewriteState carries one evaluation through the AST walk. A fresh state is
// built per statement, so concurrent sessions never share walker context.
type rewriteState struct {
	ctx    context.Context
	engine Engine
	input  Input

	// cteNames holds WITH aliases; they are query-local and never consulted
	// with the engine.
	cteNames map[string]struct{}
	filters  []string
	err      error
}

// rewriteSelect injects visibility predicates into every table reference of a
// read statement. It returns the rewritten SQL and the predicates applied.
func rewriteSelect(ctx context.Context, engine Engine, in Input, sql string) (string, []string, error) {
	statements, err := parser.Parse(sql)
	if err != nil {
		return "", nil, fmt.Errorf("policy: parse statement: %w", err)
	}

	state := &rewriteState{
		ctx:      ctx,
		engine:   engine,
		input:    in,
		cteNames: make(map[string]struct{}),
	}
	walker := &walk.AstWalker{Fn: visitNode}
	_, _ = walker.Walk(statements, state)
	if state.err != nil {
		return "", nil, state.err
	}
	return statements.String(), state.filters, nil
}

func visitNode(ctx any, node any) (stop bool) {
	state := ctx.(*rewriteState)
	switch node := node.(type) {
	case *tree.With:
		for _, cte := range node.CTEList {
			state.cteNames[cte.Name.Alias.String()] = struct{}{}
		}
	case *tree.SelectClause:
		if state.visitSelect(node) {
			return true
		}
	}
	return false
}

func (s *rewriteState) visitSelect(clause *tree.SelectClause) (stop bool) {
	for _, table := range clause.From.Tables {
		for _, ref := range tableRefs(table) {
			if _, ok := s.cteNames[ref.name]; ok {
				continue
			}

			decision, err := s.engine.SelectFilter(s.ctx, s.input, ref.name, ref.alias)
			if err != nil {
				s.err = fmt.Errorf("policy: decision for table %s: %w", ref.name, err)
				return true
			}
			if !decision.Allow {
				s.err = fmt.Errorf("policy: %w: table %s", ErrDenied, ref.name)
				return true
			}
			if decision.Filter == "" {
				continue
			}

			if err := injectWhere(clause, ref.name, decision.Filter); err != nil {
				s.err = err
				return true
			}
			s.filters = append(s.filters, decision.Filter)
		}
	}
	return false
}

// injectWhere conjoins predicate onto the clause's WHERE. The predicate is
// parsed inside a throwaway SELECT so the resulting expression tree carries
// proper precedence.
func injectWhere(clause *tree.SelectClause, table, predicate string) error {
	wrapped, err := parser.Parse(fmt.Sprintf("select * from %s where %s", table, predicate))
	if err != nil {
		return fmt.Errorf("policy: parse predicate for table %s: %w", table, err)
	}
	where := wrapped[0].AST.(*tree.Select).Select.(*tree.SelectClause).Where
	if clause.Where == nil {
		clause.Where = where
	} else {
		clause.Where.Expr = &tree.AndExpr{Left: where.Expr, Right: clause.Where.Expr}
	}
	return nil
}

type tableRef struct {
	name  string
	alias string
}

func tableRefs(table tree.TableExpr) []tableRef {
	switch expr := table.(type) {
	case *tree.AliasedTableExpr:
		if name, ok := expr.Expr.(*tree.TableName); ok {
			alias := expr.As.Alias.String()
			if alias == `""` {
				alias = ""
			}
			return []tableRef{{name: name.TableName.String(), alias: alias}}
		}
	case *tree.JoinTableExpr:
		return append(tableRefs(expr.Left), tableRefs(expr.Right)...)
	case *tree.ParenTableExpr:
		return tableRefs(expr.Expr)
	}
	return nil
}

// referencesTables reports whether the statement reads any table at all.
// Reads with an empty FROM list (SELECT current_user, SELECT 1) have nothing
// to decide on.
func referencesTables(sql string) (bool, error) {
	statements, err := parser.Parse(sql)
	if err != nil {
		return false, err
	}
	found := false
	walker := &walk.AstWalker{Fn: func(ctx any, node any) bool {
		if clause, ok := node.(*tree.SelectClause); ok && len(clause.From.Tables) > 0 {
			found = true
			return true
		}
		return false
	}}
	_, _ = walker.Walk(statements, nil)
	return found, nil
}
