package store

import "strings"

// ddlKeywords are the statement-leading keywords the kill-switch rejects.
// DML (INSERT, UPDATE, DELETE, SELECT, WITH) never matches.
var ddlKeywords = map[string]bool{
	"CREATE":   true,
	"ALTER":    true,
	"DROP":     true,
	"GRANT":    true,
	"REVOKE":   true,
	"TRUNCATE": true,
}

// DetectDDL reports whether the statement begins with a schema-changing
// keyword after stripping leading whitespace and SQL comments. It returns
// the offending keyword when matched.
func DetectDDL(sql string) (string, bool) {
	word := strings.ToUpper(leadingWord(stripLeading(sql)))
	return word, ddlKeywords[word]
}

// stripLeading removes any run of whitespace, line comments (-- ...), and
// block comments (/* ... */) from the front of the statement. An unclosed
// block comment consumes the remainder.
func stripLeading(sql string) string {
	for {
		sql = strings.TrimLeft(sql, " \t\r\n\f\v")
		switch {
		case strings.HasPrefix(sql, "--"):
			idx := strings.IndexByte(sql, '\n')
			if idx < 0 {
				return ""
			}
			sql = sql[idx+1:]
		case strings.HasPrefix(sql, "/*"):
			idx := strings.Index(sql, "*/")
			if idx < 0 {
				return ""
			}
			sql = sql[idx+2:]
		default:
			return sql
		}
	}
}

// leadingWord returns the maximal run of ASCII letters at the front of the
// statement. Keyword matching is exact on the full word, so "CREATED_AT"
// or a quoted identifier never matches "CREATE".
func leadingWord(sql string) string {
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return sql[:i]
	}
	return sql
}
