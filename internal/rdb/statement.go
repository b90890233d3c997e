package rdb

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the broad class of a SQL statement.
type Kind int

const (
	KindOther Kind = iota
	KindQuery
	KindInsert
	KindDML
	KindDDL
	// KindTransaction is BEGIN, COMMIT, ROLLBACK and friends. The gateway
	// owns transaction boundaries, so these are rejected.
	KindTransaction
	// KindAttach is ATTACH or DETACH, which would reach outside the store.
	KindAttach
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindInsert:
		return "insert"
	case KindDML:
		return "dml"
	case KindDDL:
		return "ddl"
	case KindTransaction:
		return "transaction"
	case KindAttach:
		return "attach"
	default:
		return "other"
	}
}

// IsRead reports whether statements of this kind only read.
func (k Kind) IsRead() bool { return k == KindQuery }

// Classify looks at the first keyword of stmt, after whitespace and comments.
func Classify(stmt string) Kind {
	switch firstKeyword(stmt) {
	case "SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN":
		return KindQuery
	case "INSERT", "REPLACE":
		return KindInsert
	case "UPDATE", "DELETE":
		return KindDML
	case "CREATE", "DROP", "ALTER":
		return KindDDL
	case "BEGIN", "COMMIT", "END", "ROLLBACK", "SAVEPOINT", "RELEASE":
		return KindTransaction
	case "ATTACH", "DETACH":
		return KindAttach
	default:
		return KindOther
	}
}

// firstKeyword returns the upper-cased leading keyword of stmt.
func firstKeyword(stmt string) string {
	word, _ := nextKeyword(stmt)
	return word
}

// nextKeyword returns the next upper-cased word of s and the text after it.
func nextKeyword(s string) (string, string) {
	s = skipSpaceAndComments(s)
	end := 0
	for end < len(s) && isIdentChar(s[end]) {
		end++
	}
	return strings.ToUpper(s[:end]), s[end:]
}

// isCreateTrigger reports whether stmt starts with CREATE [TEMP] TRIGGER.
func isCreateTrigger(stmt string) bool {
	word, rest := nextKeyword(stmt)
	if word != "CREATE" {
		return false
	}
	word, rest = nextKeyword(rest)
	if word == "TEMP" || word == "TEMPORARY" {
		word, _ = nextKeyword(rest)
	}
	return word == "TRIGGER"
}

// splitStatements splits a script at semicolons that are outside literals,
// quoted identifiers and comments. Empty statements are dropped.
func splitStatements(script string) []string {
	var stmts []string
	start := 0
	add := func(end int) {
		if stmt := script[start:end]; skipSpaceAndComments(stmt) != "" {
			stmts = append(stmts, stmt)
		}
	}

	walkCode(script, func(i int) int {
		if script[i] == ';' {
			add(i)
			start = i + 1
		}
		return i
	})
	if start < len(script) {
		add(len(script))
	}
	return stmts
}

// SplitScript splits a SQL script into statements. A CREATE TRIGGER keeps
// its BEGIN ... END body, semicolons included.
func SplitScript(script string) []string {
	var stmts []string
	var trigger strings.Builder
	for _, stmt := range splitStatements(script) {
		if trigger.Len() > 0 {
			trigger.WriteString(";")
			trigger.WriteString(stmt)
			if firstKeyword(stmt) == "END" {
				stmts = append(stmts, strings.TrimSpace(trigger.String()))
				trigger.Reset()
			}
			continue
		}
		if isCreateTrigger(stmt) {
			trigger.WriteString(stmt)
			continue
		}
		stmts = append(stmts, strings.TrimSpace(stmt))
	}
	if trigger.Len() > 0 {
		stmts = append(stmts, strings.TrimSpace(trigger.String()))
	}
	return stmts
}

// forbiddenKind returns the first rejected statement kind in script, looking
// at every statement of a multi-statement string.
func forbiddenKind(script string) (Kind, bool) {
	for _, stmt := range SplitScript(script) {
		if kind := Classify(stmt); kind == KindTransaction || kind == KindAttach {
			return kind, true
		}
	}
	return KindOther, false
}

func skipSpaceAndComments(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n\f\v")
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s[2:], "*/")
			if i < 0 {
				return ""
			}
			s = s[i+4:]
		default:
			return s
		}
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// CountPlaceholders returns the number of positional parameters in stmt,
// ignoring anything inside literals, quoted identifiers and comments.
// "?NNN" addresses parameter NNN directly, as SQLite does.
func CountPlaceholders(stmt string) int {
	n := 0
	walkCode(stmt, func(i int) int {
		if stmt[i] != '?' {
			return i
		}
		j := i + 1
		for j < len(stmt) && isDigit(stmt[j]) {
			j++
		}
		if j == i+1 {
			n++
			return i
		}
		if idx, err := strconv.Atoi(stmt[i+1 : j]); err == nil && idx > n {
			n = idx
		}
		return j - 1
	})
	return n
}

// walkCode calls visit with the index of every byte of stmt that is outside
// literals, quoted identifiers and comments. visit returns the index of the
// last byte it consumed.
func walkCode(stmt string, visit func(i int) int) {
	for i := 0; i < len(stmt); i++ {
		switch c := stmt[i]; c {
		case '\'', '"', '`':
			i = skipQuoted(stmt, i, c)
		case '[':
			if j := strings.IndexByte(stmt[i:], ']'); j >= 0 {
				i += j
			} else {
				i = len(stmt)
			}
		case '-':
			if i+1 < len(stmt) && stmt[i+1] == '-' {
				if j := strings.IndexByte(stmt[i:], '\n'); j >= 0 {
					i += j
				} else {
					i = len(stmt)
				}
				continue
			}
			i = visit(i)
		case '/':
			if i+1 < len(stmt) && stmt[i+1] == '*' {
				if j := strings.Index(stmt[i+2:], "*/"); j >= 0 {
					i += j + 3
				} else {
					i = len(stmt)
				}
				continue
			}
			i = visit(i)
		default:
			i = visit(i)
		}
	}
}

// skipQuoted returns the index of the closing quote matching stmt[start].
// A doubled quote character is an escaped quote.
func skipQuoted(stmt string, start int, quote byte) int {
	for i := start + 1; i < len(stmt); i++ {
		if stmt[i] != quote {
			continue
		}
		if i+1 < len(stmt) && stmt[i+1] == quote {
			i++
			continue
		}
		return i
	}
	return len(stmt)
}

// checkStatement validates a statement and its arguments before execution.
func checkStatement(stmt string, args []any) error {
	if strings.TrimSpace(stmt) == "" {
		return fmt.Errorf("%w: empty statement", ErrInvalidArgs)
	}
	if kind, ok := forbiddenKind(stmt); ok {
		return fmt.Errorf("%w: %s statements are not allowed", ErrInvalidArgs, kind)
	}
	if want := CountPlaceholders(stmt); want != len(args) {
		return fmt.Errorf("%w: statement has %d placeholders but %d args were given", ErrInvalidArgs, want, len(args))
	}
	return nil
}
