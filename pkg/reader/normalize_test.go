package reader

import (
	"strings"
	"testing"

	"github.com/hermesindex/hermesindex/pkg/config"
)

func TestNormalize_StripsNoiseTokens(t *testing.T) {
	got := Normalize("JoJo's Bizarre Adventure S01E01 1080p WEB-DL x264-GROUP")
	if got == "" {
		t.Fatal("expected non-empty normalized text")
	}
	for _, banned := range []string{"1080p", "x264", "web-dl"} {
		if strings.Contains(got, banned) {
			t.Fatalf("expected %q stripped from %q", banned, got)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	once := Normalize("Attack on Titan 720p HEVC")
	twice := Normalize(once)
	if once != twice {
		t.Fatalf("expected idempotent normalization, got %q then %q", once, twice)
	}
}

func TestEmbeddingVersion_EncodesModelDimAndRules(t *testing.T) {
	v := EmbeddingVersion("bge-m3", 768)
	if v != "bge-m3:768:"+NormalizationRuleVersion {
		t.Fatalf("unexpected embedding version: %q", v)
	}
}

func TestComposePgID_ContentSourceUsesColonConcat(t *testing.T) {
	src := config.Source{Name: "content", ContentType: "movie"}
	got := ComposePgID(src, "42")
	want := "movie:content:42"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestComposePgID_OtherSourcesPassThrough(t *testing.T) {
	src := config.Source{Name: "bitmagnet_torrents"}
	if got := ComposePgID(src, "abc123"); got != "abc123" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
