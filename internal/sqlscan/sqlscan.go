// Package sqlscan provides token-level scanning of SQL text: batch
// splitting and statement classification. Classification works on the token
// stream, never on substrings, so comments, casing, whitespace and
// multi-statement batches cannot disguise a statement's type.
package sqlscan

import "strings"

// Kind is the coarse statement class the broker cares about.
type Kind int

const (
	// KindOther covers statements with no special handling.
	KindOther Kind = iota
	// KindSelect covers data-read statements (SELECT, WITH, TABLE, VALUES).
	KindSelect
	// KindSetSessionAuthorization covers SET [LOCAL|SESSION] SESSION AUTHORIZATION.
	KindSetSessionAuthorization
	// KindResetSessionAuthorization covers RESET SESSION AUTHORIZATION.
	KindResetSessionAuthorization
	// KindSetRole covers SET ROLE, RESET ROLE and the RESET ALL / DISCARD
	// ALL forms that clear role state.
	KindSetRole
	// KindEmpty covers statements that contain no tokens at all.
	KindEmpty
)

// IsSessionEscape reports whether the kind changes the session's effective
// identity.
func (k Kind) IsSessionEscape() bool {
	switch k {
	case KindSetSessionAuthorization, KindResetSessionAuthorization, KindSetRole:
		return true
	}
	return false
}

// Split divides a batch into individual statements on top-level semicolons.
// Quoted strings, quoted identifiers, dollar-quoted bodies and both comment
// forms are respected. The semicolons are not retained.
func Split(sql string) []string {
	var statements []string
	var start int
	i := 0
	for i < len(sql) {
		switch {
		case sql[i] == ';':
			statements = appendStatement(statements, sql[start:i])
			i++
			start = i
		case sql[i] == '\'':
			i = skipQuoted(sql, i, '\'')
		case sql[i] == '"':
			i = skipQuoted(sql, i, '"')
		case sql[i] == '$':
			i = skipDollarQuoted(sql, i)
		case strings.HasPrefix(sql[i:], "--"):
			i = skipLineComment(sql, i)
		case strings.HasPrefix(sql[i:], "/*"):
			i = skipBlockComment(sql, i)
		default:
			i++
		}
	}
	return appendStatement(statements, sql[start:])
}

// Classify determines the statement kind from its leading tokens. Only
// direct read statements are KindSelect: reads wrapped in another verb, as
// in COPY (SELECT ...) TO STDOUT or PREPARE p AS SELECT ..., classify by
// the outer verb and are not row-filtered.
func Classify(stmt string) Kind {
	tokens := Tokens(stmt, 4)
	if len(tokens) == 0 {
		return KindEmpty
	}

	switch tokens[0] {
	case "select", "with", "table", "values":
		return KindSelect
	case "(":
		// Parenthesized queries are read statements.
		return KindSelect
	case "set":
		rest := tokens[1:]
		if len(rest) > 0 && rest[0] == "local" {
			rest = rest[1:]
		}
		if len(rest) >= 2 && rest[0] == "session" && rest[1] == "authorization" {
			return KindSetSessionAuthorization
		}
		// SET SESSION SESSION AUTHORIZATION spells the scope explicitly.
		if len(rest) >= 3 && rest[0] == "session" && rest[1] == "session" && rest[2] == "authorization" {
			return KindSetSessionAuthorization
		}
		if len(rest) >= 1 && (rest[0] == "role" || (len(rest) >= 2 && rest[0] == "session" && rest[1] == "role")) {
			return KindSetRole
		}
		return KindOther
	case "reset":
		if len(tokens) >= 3 && tokens[1] == "session" && tokens[2] == "authorization" {
			return KindResetSessionAuthorization
		}
		if len(tokens) >= 2 && (tokens[1] == "role" || tokens[1] == "all") {
			return KindSetRole
		}
		return KindOther
	case "discard":
		if len(tokens) >= 2 && tokens[1] == "all" {
			return KindSetRole
		}
		return KindOther
	}
	return KindOther
}

// Tokens lexes up to max leading tokens, lowercased, skipping comments. An
// opening parenthesis is returned as its own token.
func Tokens(stmt string, max int) []string {
	var tokens []string
	i := 0
	for i < len(stmt) && len(tokens) < max {
		switch {
		case isSpace(stmt[i]):
			i++
		case strings.HasPrefix(stmt[i:], "--"):
			i = skipLineComment(stmt, i)
		case strings.HasPrefix(stmt[i:], "/*"):
			i = skipBlockComment(stmt, i)
		case stmt[i] == '(':
			tokens = append(tokens, "(")
			i++
		case isWordByte(stmt[i]):
			start := i
			for i < len(stmt) && isWordByte(stmt[i]) {
				i++
			}
			tokens = append(tokens, strings.ToLower(stmt[start:i]))
		default:
			// Any other byte ends the classifiable prefix.
			return tokens
		}
	}
	return tokens
}

func appendStatement(statements []string, stmt string) []string {
	if len(Tokens(stmt, 1)) == 0 {
		return statements
	}
	return append(statements, strings.TrimSpace(stmt))
}

func skipQuoted(sql string, i int, quote byte) int {
	i++
	for i < len(sql) {
		if sql[i] == quote {
			// Doubled quotes escape themselves.
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

func skipDollarQuoted(sql string, i int) int {
	end := strings.IndexByte(sql[i+1:], '$')
	if end < 0 {
		return i + 1
	}
	tag := sql[i : i+end+2]
	for _, b := range []byte(tag[1 : len(tag)-1]) {
		if !isWordByte(b) {
			return i + 1
		}
	}
	body := strings.Index(sql[i+len(tag):], tag)
	if body < 0 {
		return len(sql)
	}
	return i + len(tag) + body + len(tag)
}

func skipLineComment(sql string, i int) int {
	if end := strings.IndexByte(sql[i:], '\n'); end >= 0 {
		return i + end + 1
	}
	return len(sql)
}

func skipBlockComment(sql string, i int) int {
	depth := 0
	for i < len(sql) {
		switch {
		case strings.HasPrefix(sql[i:], "/*"):
			depth++
			i += 2
		case strings.HasPrefix(sql[i:], "*/"):
			depth--
			i += 2
			if depth == 0 {
				return i
			}
		default:
			i++
		}
	}
	return i
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= 0x80
}
