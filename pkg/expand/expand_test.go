package expand

import "testing"

func TestRankTokens_PrefersLongerASCIITokens(t *testing.T) {
	raw := []string{"a", "ジョジョ", "JoJo", "the", "adventure"}
	got := rankTokens(raw)
	if len(got) == 0 {
		t.Fatal("expected tokens")
	}
	if got[0] != "JoJo" && got[0] != "the" && got[0] != "adventure" {
		t.Fatalf("expected an ASCII token first, got %q", got[0])
	}
}

func TestRankTokens_CapsAtEight(t *testing.T) {
	raw := make([]string, 20)
	for i := range raw {
		raw[i] = string(rune('a'+i)) + "aaa"
	}
	got := rankTokens(raw)
	if len(got) != 8 {
		t.Fatalf("expected 8 tokens, got %d", len(got))
	}
}

func TestRankTokens_DedupesAndTrims(t *testing.T) {
	got := rankTokens([]string{" adventure ", "adventure", ""})
	if len(got) != 1 {
		t.Fatalf("expected dedupe to 1 token, got %v", got)
	}
}

func TestIsASCII(t *testing.T) {
	if !isASCII("hello") {
		t.Fatal("expected hello to be ASCII")
	}
	if isASCII("ジョジョ") {
		t.Fatal("expected Japanese text to not be ASCII")
	}
}
