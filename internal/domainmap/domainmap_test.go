package domainmap

import "testing"

func TestExactBeatsWildcard(t *testing.T) {
	m := New[string]()
	m.Set("*.example.com", "wildcard")
	m.Set("mail.example.com", "exact")

	v, ok := m.Lookup("mail.example.com")
	if !ok || v != "exact" {
		t.Fatalf("expected exact match, got %q, %v", v, ok)
	}
}

func TestWildcardDoesNotMatchBareSuffix(t *testing.T) {
	m := New[string]()
	m.Set("*.example.com", "wildcard")

	if _, ok := m.Lookup("example.com"); ok {
		t.Fatalf("bare suffix should not match *.example.com")
	}

	v, ok := m.Lookup("a.example.com")
	if !ok || v != "wildcard" {
		t.Fatalf("expected wildcard match, got %q, %v", v, ok)
	}
}

func TestLongestWildcardWins(t *testing.T) {
	m := New[string]()
	m.Set("*.example.com", "outer")
	m.Set("*.eu.example.com", "inner")

	v, ok := m.Lookup("mx.eu.example.com")
	if !ok || v != "inner" {
		t.Fatalf("expected longest wildcard match, got %q, %v", v, ok)
	}
}

func TestNoMatch(t *testing.T) {
	m := New[string]()
	m.Set("*.example.com", "wildcard")

	if _, ok := m.Lookup("example.net"); ok {
		t.Fatalf("unexpected match for unrelated domain")
	}
}

func TestCaseInsensitive(t *testing.T) {
	m := New[string]()
	m.Set("Mail.Example.COM", "exact")

	v, ok := m.Lookup("mail.example.com")
	if !ok || v != "exact" {
		t.Fatalf("expected case-insensitive exact match, got %q, %v", v, ok)
	}
}
