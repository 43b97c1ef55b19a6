package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/sethvargo/go-retry"
)

// OPAEngine evaluates select visibility through OPA's partial-evaluation
// (compile) API. The policy keeps `data.tables` unknown; whatever residual
// conditions OPA returns are translated into a SQL predicate.
type OPAEngine struct {
	httpClient *http.Client
	address    string
	queryTmpl  *template.Template
	escape     string
	timeout    time.Duration
	retries    int
}

// OPAConfig configures the OPA engine client.
type OPAConfig struct {
	// Address is the OPA base URL, e.g. http://localhost:8181.
	Address string
	// SelectQueryTemplate is the Rego query to partially evaluate; it may
	// reference {{.TableName}}.
	SelectQueryTemplate string
	// StringEscape wraps string literals in generated predicates.
	StringEscape string
	Timeout      time.Duration
	Retries      int
}

type templateContext struct {
	TableName string
}

type compilePayload struct {
	Query    string       `json:"query"`
	Unknowns []string     `json:"unknowns"`
	Input    compileInput `json:"input"`
}

type compileInput struct {
	Role    string   `json:"role"`
	Subject string   `json:"subject"`
	Groups  []string `json:"groups"`
}

type compileResponse struct {
	Result struct {
		Queries [][]compileExpr `json:"queries"`
	} `json:"result"`
}

type compileExpr struct {
	Negated bool          `json:"negated"`
	Terms   []compileTerm `json:"terms"`
}

type compileTerm struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// NewOPAEngine constructs an OPA compile-API client.
func NewOPAEngine(httpClient *http.Client, cfg OPAConfig) (*OPAEngine, error) {
	tmpl, err := template.New("query").Parse(cfg.SelectQueryTemplate)
	if err != nil {
		return nil, fmt.Errorf("policy: parse select query template: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	escape := cfg.StringEscape
	if escape == "" {
		escape = "'"
	}
	return &OPAEngine{
		httpClient: httpClient,
		address:    strings.TrimRight(cfg.Address, "/"),
		queryTmpl:  tmpl,
		escape:     escape,
		timeout:    timeout,
		retries:    cfg.Retries,
	}, nil
}

// SelectFilter asks OPA for the visibility decision on one table.
func (o *OPAEngine) SelectFilter(ctx context.Context, in Input, table, alias string) (TableDecision, error) {
	var query bytes.Buffer
	if err := o.queryTmpl.Execute(&query, templateContext{TableName: table}); err != nil {
		return TableDecision{}, fmt.Errorf("policy: execute query template: %w", err)
	}

	payload := compilePayload{
		Query:    query.String(),
		Unknowns: []string{"data.tables"},
		Input:    compileInput{Role: in.Role, Subject: in.Subject, Groups: in.Groups},
	}
	resp, err := o.compile(ctx, payload)
	if err != nil {
		return TableDecision{}, err
	}

	if resp.isAllowed() {
		return TableDecision{Allow: true}, nil
	}
	if resp.isDisallowed() {
		return TableDecision{Allow: false}, nil
	}

	predicate, err := resp.predicate(o.escape, table, alias)
	if err != nil {
		return TableDecision{}, err
	}
	return TableDecision{Allow: true, Filter: predicate}, nil
}

func (o *OPAEngine) compile(ctx context.Context, payload compilePayload) (*compileResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("policy: marshal compile payload: %w", err)
	}

	var parsed compileResponse
	backoff := retry.WithMaxRetries(uint64(o.retries), retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, o.address+"/v1/compile", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("policy: compile status %d", resp.StatusCode)
			if resp.StatusCode >= http.StatusInternalServerError {
				return retry.RetryableError(err)
			}
			return err
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		return json.Unmarshal(respBody, &parsed)
	})
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// isAllowed reports an unconditional allow: at least one residual query with
// no conditions left.
func (r *compileResponse) isAllowed() bool {
	for _, query := range r.Result.Queries {
		if len(query) == 0 {
			return true
		}
	}
	return false
}

// isDisallowed reports an unconditional deny: no residual queries at all.
func (r *compileResponse) isDisallowed() bool {
	return len(r.Result.Queries) == 0
}

// predicate translates the residual queries into one SQL predicate. Queries
// are alternatives (OR); the expressions within a query conjoin (AND).
func (r *compileResponse) predicate(escape, table, alias string) (string, error) {
	alternatives := make([]string, len(r.Result.Queries))
	for qi, query := range r.Result.Queries {
		conjuncts := make([]string, len(query))
		var extraTables []string

		for ei, expr := range query {
			cond, extras, err := expr.compile(escape, table, alias)
			if err != nil {
				return "", err
			}
			conjuncts[ei] = "(" + cond + ")"
			for _, extra := range extras {
				if !contains(extraTables, extra) {
					extraTables = append(extraTables, extra)
				}
			}
		}

		joined := strings.Join(conjuncts, " AND ")
		if len(extraTables) > 0 {
			alternatives[qi] = fmt.Sprintf("(exists (select 1 from %s where (%s)))", strings.Join(extraTables, ", "), joined)
		} else {
			alternatives[qi] = "(" + joined + ")"
		}
	}
	return strings.Join(alternatives, " OR "), nil
}

type compiledTerm struct {
	value      string
	isOperator bool
	isValue    bool
	isTableRef bool
	isUnknown  bool
}

// compile turns a three-term residual expression into "<lhs> <op> <rhs>".
// Referenced tables other than the statement's own are reported so the
// caller can wrap the condition in an EXISTS subquery.
func (e *compileExpr) compile(escape, table, alias string) (string, []string, error) {
	if len(e.Terms) != 3 {
		return "", nil, fmt.Errorf("policy: unexpected number of terms in expression: %d", len(e.Terms))
	}

	parts := make([]*compiledTerm, len(e.Terms))
	for i, term := range e.Terms {
		compiled, err := term.compile(escape, table, alias)
		if err != nil {
			return "", nil, err
		}
		parts[i] = compiled
	}

	ordered, err := orderTerms(parts)
	if err != nil {
		return "", nil, err
	}

	var extraTables []string
	for _, part := range parts {
		if !part.isTableRef {
			continue
		}
		ref := strings.Split(part.value, ".")[0]
		if ref != table && ref != alias {
			extraTables = append(extraTables, ref)
		}
	}

	condition := strings.Join(ordered, " ")
	if e.Negated {
		condition = "NOT (" + condition + ")"
	}
	return condition, extraTables, nil
}

// orderTerms arranges operator and operands into SQL order. OPA emits the
// operator first; when both operands are table references the original
// operand order is reversed in the residual query.
func orderTerms(parts []*compiledTerm) ([]string, error) {
	ordered := make([]string, 3)
	hasValue := false
	for _, part := range parts {
		if part.isValue {
			hasValue = true
		}
	}
	placedRef := false
	for _, part := range parts {
		var idx int
		switch {
		case part.isOperator:
			idx = 1
		case part.isValue:
			idx = 2
		case part.isTableRef && hasValue:
			idx = 0
		case part.isTableRef && !placedRef:
			idx = 2
			placedRef = true
		case part.isTableRef:
			idx = 0
		default:
			return nil, fmt.Errorf("policy: unplaceable term %q", part.value)
		}
		if ordered[idx] != "" {
			return nil, fmt.Errorf("policy: conflicting term positions for %q", part.value)
		}
		ordered[idx] = part.value
	}
	for _, part := range ordered {
		if part == "" {
			return nil, fmt.Errorf("policy: incomplete expression %v", ordered)
		}
	}
	return ordered, nil
}

func (t *compileTerm) compile(escape, table, alias string) (*compiledTerm, error) {
	switch t.Type {
	case "boolean", "number":
		return &compiledTerm{value: fmt.Sprintf("%v", t.Value), isValue: true}, nil
	case "string":
		return &compiledTerm{value: fmt.Sprintf("%s%v%s", escape, t.Value, escape), isValue: true}, nil
	case "var":
		name, ok := t.Value.(string)
		if !ok {
			return nil, fmt.Errorf("policy: unexpected var value %v", t.Value)
		}
		if name == "data" {
			return &compiledTerm{value: name, isUnknown: true}, nil
		}
		if op, ok := operators[name]; ok {
			return &compiledTerm{value: op, isOperator: true}, nil
		}
		return nil, fmt.Errorf("policy: unknown operator %q", name)
	case "ref":
		return compileRef(t.Value, table, alias)
	}
	return nil, fmt.Errorf("policy: unexpected term type %q", t.Type)
}

// compileRef resolves a data.tables.<table>.<column...> reference to a
// qualified column, honoring the statement's table alias.
func compileRef(value any, table, alias string) (*compiledTerm, error) {
	raw, ok := value.([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("policy: unexpected ref value %v", value)
	}

	inner := make([]*compiledTerm, len(raw))
	for i, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("policy: unexpected ref element %v", item)
		}
		elemType, _ := fields["type"].(string)
		if elemType == "" {
			return nil, fmt.Errorf("policy: ref element missing type: %v", item)
		}
		term := &compileTerm{Type: elemType, Value: fields["value"]}
		compiled, err := term.compile("", table, alias)
		if err != nil {
			return nil, err
		}
		inner[i] = compiled
	}

	if inner[0].isOperator {
		if len(inner) != 1 {
			return nil, fmt.Errorf("policy: unexpected operator ref of length %d", len(inner))
		}
		return inner[0], nil
	}

	if !inner[0].isUnknown {
		return nil, fmt.Errorf("policy: unresolvable ref %v", value)
	}
	if len(inner) < 4 || strings.Trim(inner[1].value, "'") != "tables" {
		return nil, fmt.Errorf("policy: unknown ref must address data.tables: %v", value)
	}

	target := strings.Trim(inner[2].value, "'")
	if target == table && alias != "" {
		target = alias
	}
	columns := make([]string, len(inner[3:]))
	for i, col := range inner[3:] {
		columns[i] = strings.Trim(col.value, "'")
	}
	return &compiledTerm{value: target + "." + strings.Join(columns, "."), isTableRef: true}, nil
}

var operators = map[string]string{
	"eq":    "=",
	"equal": "=",
	"neq":   "!=",
	"lt":    "<",
	"lte":   "<=",
	"gt":    ">",
	"gte":   ">=",
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
