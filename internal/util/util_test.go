package util

import (
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Hi {name}, see {link} {missing}", map[string]string{
		"name": "Ayesha",
		"link": "https://example.com/t/1",
	})
	want := "Hi Ayesha, see https://example.com/t/1 {missing}"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	a, b := NewCampaignID(), NewCampaignID()
	if !strings.HasPrefix(a, "cmp_") || !strings.HasPrefix(NewTargetID(), "tgt_") {
		t.Fatalf("unexpected prefixes: %s", a)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %s twice", a)
	}
}

func TestInstanceIDIsUniquePerCall(t *testing.T) {
	a, b := InstanceID(), InstanceID()
	if a == b || !strings.Contains(a, "/") {
		t.Fatalf("unexpected instance ids %q %q", a, b)
	}
}
