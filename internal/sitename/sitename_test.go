package sitename

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
)

func TestResolveSortsTrimsAndLowercases(t *testing.T) {
	mx := []*dns.MX{
		{Mx: "MX2.Example.com.", Preference: 20},
		{Mx: "mx1.example.com.", Preference: 10},
	}

	got, err := Resolve(mx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "mx1.example.com,mx2.example.com"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveIdenticalSetsShareSiteName(t *testing.T) {
	a := []*dns.MX{{Mx: "b.example.com."}, {Mx: "a.example.com."}}
	b := []*dns.MX{{Mx: "a.example.com."}, {Mx: "b.example.com."}}

	gotA, err := Resolve(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotB, err := Resolve(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotA != gotB {
		t.Fatalf("expected equal site names, got %q and %q", gotA, gotB)
	}
}

func TestResolveNullMX(t *testing.T) {
	mx := []*dns.MX{{Mx: "."}}

	got, err := Resolve(mx)
	if !errors.Is(err, ErrNullMX) {
		t.Fatalf("expected ErrNullMX, got %v", err)
	}
	if got != NullMX {
		t.Fatalf("expected sentinel site name, got %q", got)
	}
}
