package activities

import "strings"

// shellQuote single-quotes s for safe interpolation into a guest shell
// command line, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
