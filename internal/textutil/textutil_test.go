package textutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFoldStripsDiacritics(t *testing.T) {
	if got := Fold("JOÃO Conceição tardía"); got != "JOAO Conceicao tardia" {
		t.Fatalf("Fold = %q", got)
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("Abd/Pelve  FASE-Tardía 5mm")
	want := []string{"abd", "pelve", "fase", "tardia", "5mm"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Tokens (-want +got):\n%s", diff)
	}
}

func TestFirstNameInitials(t *testing.T) {
	tests := []struct {
		pn   string
		want string
	}{
		{"SILVA^JOAO CARLOS", "JoaoCS"},
		{"SOUZA^MARIA DA CONCEIÇÃO", "MariaCS"},
		{"PEDRO ALVES", "PedroA"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := FirstNameInitials(tc.pn); got != tc.want {
			t.Errorf("FirstNameInitials(%q) = %q, want %q", tc.pn, got, tc.want)
		}
	}
}

func TestCleanIdentifier(t *testing.T) {
	if got := CleanIdentifier(" 55/31.196 ", "0000"); got != "5531196" {
		t.Fatalf("CleanIdentifier = %q", got)
	}
	if got := CleanIdentifier("...", "0000"); got != "0000" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("Fase Arterial!"); got != "fase_arterial" {
		t.Fatalf("SanitizeToken = %q", got)
	}
	if got := SanitizeToken("  "); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}
