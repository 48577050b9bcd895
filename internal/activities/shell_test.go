package activities

import "testing"

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("shellQuote = %q, want %q", got, want)
	}
}

func TestShellQuoteLeavesPlainStringsQuoted(t *testing.T) {
	got := shellQuote("https://example.com/repo.git")
	if got != "'https://example.com/repo.git'" {
		t.Errorf("shellQuote = %q", got)
	}
}
