// Package sqlscan provides a small lexical scanner for SQL text. It is not a
// parser: it tokenizes statements far enough to split them, classify the
// leading verb, and extract referenced table and column identifiers, which is
// all the translation and validation layers need from untrusted model output.
package sqlscan

import (
	"strings"
	"unicode"
)

// Kind classifies a scanned token.
type Kind int

const (
	KindIdent Kind = iota
	KindKeyword
	KindString
	KindNumber
	KindSymbol
	KindComment
)

// Token is one lexical unit. Upper carries the uppercase text for keyword
// comparisons; identifiers keep their original spelling in Text.
type Token struct {
	Kind  Kind
	Text  string
	Upper string
}

var keywords = map[string]struct{}{}

func init() {
	for _, kw := range []string{
		"SELECT", "FROM", "WHERE", "AND", "OR", "NOT", "NULL", "IS", "IN",
		"LIKE", "GLOB", "BETWEEN", "EXISTS", "CASE", "WHEN", "THEN", "ELSE",
		"END", "AS", "ON", "USING", "JOIN", "INNER", "LEFT", "RIGHT", "FULL",
		"OUTER", "CROSS", "NATURAL", "GROUP", "BY", "HAVING", "ORDER", "ASC",
		"DESC", "LIMIT", "OFFSET", "UNION", "ALL", "DISTINCT", "INTERSECT",
		"EXCEPT", "WITH", "RECURSIVE", "CAST", "COLLATE", "ESCAPE", "VALUES",
		"CURRENT_DATE", "CURRENT_TIME", "CURRENT_TIMESTAMP",
		"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
		"REPLACE", "INTO", "SET", "PRAGMA", "ATTACH", "DETACH", "VACUUM",
		"REINDEX", "ANALYZE", "GRANT", "REVOKE", "BEGIN", "COMMIT", "ROLLBACK",
		"SAVEPOINT", "RELEASE", "EXPLAIN",
	} {
		keywords[kw] = struct{}{}
	}
}

// writeKeywords are verbs that must never appear in a read-only statement,
// including inside a CTE body.
var writeKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {}, "ALTER": {},
	"CREATE": {}, "TRUNCATE": {}, "REPLACE": {}, "PRAGMA": {}, "ATTACH": {},
	"DETACH": {}, "VACUUM": {}, "REINDEX": {}, "GRANT": {}, "REVOKE": {},
	"BEGIN": {}, "COMMIT": {}, "ROLLBACK": {}, "SAVEPOINT": {}, "RELEASE": {},
}

// Scan tokenizes the statement. Comments are emitted as tokens so callers can
// treat their presence as a signal; string literal contents are never
// inspected for keywords.
func Scan(input string) []Token {
	var tokens []Token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			j := i
			for j < len(runes) && runes[j] != '\n' {
				j++
			}
			tokens = append(tokens, Token{Kind: KindComment, Text: string(runes[i:j])})
			i = j
		case r == '#':
			j := i
			for j < len(runes) && runes[j] != '\n' {
				j++
			}
			tokens = append(tokens, Token{Kind: KindComment, Text: string(runes[i:j])})
			i = j
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			j := i + 2
			for j+1 < len(runes) && !(runes[j] == '*' && runes[j+1] == '/') {
				j++
			}
			if j+1 < len(runes) {
				j += 2
			} else {
				j = len(runes)
			}
			tokens = append(tokens, Token{Kind: KindComment, Text: string(runes[i:j])})
			i = j
		case r == '\'':
			text, next := scanQuoted(runes, i, '\'')
			tokens = append(tokens, Token{Kind: KindString, Text: text})
			i = next
		case r == '"' || r == '`':
			text, next := scanQuoted(runes, i, r)
			// Quoted identifiers keep their inner spelling.
			inner := strings.Trim(text, string(r))
			tokens = append(tokens, Token{Kind: KindIdent, Text: inner, Upper: strings.ToUpper(inner)})
			i = next
		case r == '[':
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			inner := string(runes[i+1 : j])
			if j < len(runes) {
				j++
			}
			tokens = append(tokens, Token{Kind: KindIdent, Text: inner, Upper: strings.ToUpper(inner)})
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.' || runes[j] == 'e' || runes[j] == 'E') {
				j++
			}
			tokens = append(tokens, Token{Kind: KindNumber, Text: string(runes[i:j])})
			i = j
		case isIdentStart(r):
			j := i
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			text := string(runes[i:j])
			upper := strings.ToUpper(text)
			kind := KindIdent
			if _, ok := keywords[upper]; ok {
				kind = KindKeyword
			}
			tokens = append(tokens, Token{Kind: kind, Text: text, Upper: upper})
			i = j
		default:
			tokens = append(tokens, Token{Kind: KindSymbol, Text: string(r), Upper: string(r)})
			i++
		}
	}
	return tokens
}

func scanQuoted(runes []rune, start int, quote rune) (string, int) {
	j := start + 1
	for j < len(runes) {
		if runes[j] == quote {
			// Doubled quote escapes itself.
			if j+1 < len(runes) && runes[j+1] == quote {
				j += 2
				continue
			}
			j++
			break
		}
		j++
	}
	return string(runes[start:j]), j
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Statements splits the input into top-level statements, honouring string
// literals and comments. Empty fragments (such as a trailing semicolon) are
// dropped.
func Statements(input string) []string {
	var out []string
	var current strings.Builder
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == ';':
			if text := strings.TrimSpace(current.String()); text != "" {
				out = append(out, text)
			}
			current.Reset()
			i++
		case r == '\'', r == '"', r == '`':
			text, next := scanQuoted(runes, i, r)
			current.WriteString(text)
			i = next
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				current.WriteRune(runes[i])
				i++
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				current.WriteRune(runes[i])
				i++
			}
			if i+1 < len(runes) {
				current.WriteString("*/")
				i += 2
			}
		default:
			current.WriteRune(r)
			i++
		}
	}
	if text := strings.TrimSpace(current.String()); text != "" {
		out = append(out, text)
	}
	return out
}

// FirstKeyword returns the uppercase leading keyword of the statement,
// skipping comments.
func FirstKeyword(input string) string {
	for _, tok := range Scan(input) {
		if tok.Kind == KindComment {
			continue
		}
		if tok.Kind == KindKeyword || tok.Kind == KindIdent {
			return tok.Upper
		}
		return ""
	}
	return ""
}

// HasComment reports whether the statement carries any comment outside of
// string literals.
func HasComment(input string) bool {
	for _, tok := range Scan(input) {
		if tok.Kind == KindComment {
			return true
		}
	}
	return false
}

// HasWriteKeyword reports whether any data-modification or administrative
// verb appears as a token anywhere in the statement.
func HasWriteKeyword(tokens []Token) bool {
	for _, tok := range tokens {
		if tok.Kind != KindKeyword {
			continue
		}
		if _, ok := writeKeywords[tok.Upper]; ok {
			return true
		}
	}
	return false
}

// HasKeyword reports whether the given keyword appears as a token.
func HasKeyword(tokens []Token, keyword string) bool {
	upper := strings.ToUpper(keyword)
	for _, tok := range tokens {
		if tok.Kind == KindKeyword && tok.Upper == upper {
			return true
		}
	}
	return false
}

// aggregateFuncs are the functions that bound result cardinality on their own.
var aggregateFuncs = map[string]struct{}{
	"COUNT": {}, "SUM": {}, "AVG": {}, "MIN": {}, "MAX": {}, "TOTAL": {},
	"GROUP_CONCAT": {},
}

// HasAggregate reports whether the statement calls an aggregate function.
func HasAggregate(tokens []Token) bool {
	for i, tok := range tokens {
		if tok.Kind != KindIdent && tok.Kind != KindKeyword {
			continue
		}
		if _, ok := aggregateFuncs[tok.Upper]; !ok {
			continue
		}
		if i+1 < len(tokens) && tokens[i+1].Text == "(" {
			return true
		}
	}
	return false
}

// Refs holds the schema identifiers referenced by a statement. Names are
// lower-cased and deduplicated; CTE names and aliases are resolved away.
type Refs struct {
	Tables    []string
	Columns   []string
	Qualified map[string]string // column -> resolved table (or raw qualifier)
}

// ExtractRefs walks the token stream and collects referenced tables and
// columns. Heuristic by design: it prefers false positives (flagging an
// identifier as a column) over false negatives, since the validator treats
// unknown identifiers as rejections.
func ExtractRefs(input string) Refs {
	tokens := filterComments(Scan(input))

	ctes := make(map[string]struct{})
	aliases := make(map[string]string) // alias -> table
	exprAliases := make(map[string]struct{})
	tableSet := make(map[string]struct{})
	var tableOrder []string

	// CTE names: identifiers directly followed by AS (.
	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i].Kind == KindIdent &&
			tokens[i+1].Kind == KindKeyword && tokens[i+1].Upper == "AS" &&
			tokens[i+2].Text == "(" {
			ctes[strings.ToLower(tokens[i].Text)] = struct{}{}
		}
	}

	// Tables and aliases: identifiers following FROM/JOIN, with optional
	// comma-separated continuation and optional [AS] alias.
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Kind != KindKeyword || (tok.Upper != "FROM" && tok.Upper != "JOIN") {
			continue
		}
		j := i + 1
		for j < len(tokens) {
			if tokens[j].Text == "(" {
				break // subquery source
			}
			if tokens[j].Kind != KindIdent {
				break
			}
			name := strings.ToLower(tokens[j].Text)
			j++
			// schema-qualified source: keep the trailing segment.
			for j+1 < len(tokens) && tokens[j].Text == "." && tokens[j+1].Kind == KindIdent {
				name = strings.ToLower(tokens[j+1].Text)
				j += 2
			}
			if _, isCTE := ctes[name]; !isCTE {
				if _, seen := tableSet[name]; !seen {
					tableSet[name] = struct{}{}
					tableOrder = append(tableOrder, name)
				}
			}
			// Optional alias.
			if j < len(tokens) && tokens[j].Kind == KindKeyword && tokens[j].Upper == "AS" {
				j++
			}
			if j < len(tokens) && tokens[j].Kind == KindIdent {
				aliases[strings.ToLower(tokens[j].Text)] = name
				j++
			}
			if j < len(tokens) && tokens[j].Text == "," && tokens[j-1].Text != "," {
				j++
				continue
			}
			break
		}
	}

	// Expression aliases: AS <ident> not followed by "(" is an output alias,
	// never a schema column.
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i].Kind == KindKeyword && tokens[i].Upper == "AS" &&
			tokens[i+1].Kind == KindIdent {
			if i+2 >= len(tokens) || tokens[i+2].Text != "(" {
				exprAliases[strings.ToLower(tokens[i+1].Text)] = struct{}{}
			}
		}
	}

	resolve := func(qualifier string) string {
		if table, ok := aliases[qualifier]; ok {
			return table
		}
		return qualifier
	}

	columnSet := make(map[string]struct{})
	var columnOrder []string
	qualified := make(map[string]string)
	addColumn := func(name, qualifier string) {
		lower := strings.ToLower(name)
		if _, isAlias := exprAliases[lower]; isAlias && qualifier == "" {
			return
		}
		if _, seen := columnSet[lower]; !seen {
			columnSet[lower] = struct{}{}
			columnOrder = append(columnOrder, lower)
		}
		if qualifier != "" {
			qualified[lower] = resolve(strings.ToLower(qualifier))
		}
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Kind != KindIdent {
			continue
		}
		// Function call.
		if i+1 < len(tokens) && tokens[i+1].Text == "(" {
			continue
		}
		// Part of a qualified name handled below.
		if i > 0 && tokens[i-1].Text == "." {
			continue
		}
		// Table source position (directly after FROM/JOIN or a source comma).
		if i > 0 && tokens[i-1].Kind == KindKeyword &&
			(tokens[i-1].Upper == "FROM" || tokens[i-1].Upper == "JOIN") {
			continue
		}
		lower := strings.ToLower(tok.Text)
		// Qualified reference: the qualifier may be a table, an alias, or a
		// CTE name; the trailing segment is the column.
		if i+2 < len(tokens) && tokens[i+1].Text == "." {
			if tokens[i+2].Kind == KindIdent {
				addColumn(tokens[i+2].Text, lower)
				i += 2
			} else if tokens[i+2].Text == "*" {
				i += 2
			}
			continue
		}
		if _, isTable := tableSet[lower]; isTable {
			continue
		}
		if _, isCTE := ctes[lower]; isCTE {
			continue
		}
		if _, isAliasName := aliases[lower]; isAliasName {
			continue
		}
		// Alias position directly after a table source was consumed above;
		// anything left is a bare column reference.
		if isAliasPosition(tokens, i, tableSet) {
			continue
		}
		addColumn(tok.Text, "")
	}

	return Refs{Tables: tableOrder, Columns: columnOrder, Qualified: qualified}
}

// isAliasPosition reports whether the identifier at index i immediately
// follows a table source, which makes it an alias rather than a column.
func isAliasPosition(tokens []Token, i int, tables map[string]struct{}) bool {
	if i == 0 {
		return false
	}
	prev := tokens[i-1]
	if prev.Kind == KindIdent {
		_, ok := tables[strings.ToLower(prev.Text)]
		return ok
	}
	return false
}

func filterComments(tokens []Token) []Token {
	out := tokens[:0:0]
	for _, tok := range tokens {
		if tok.Kind == KindComment {
			continue
		}
		out = append(out, tok)
	}
	return out
}
