package reader

import (
	"regexp"
	"strconv"
	"strings"
)

// NormalizationRuleVersion is embedded into embedding_version so a
// future change to the noise-token list forces re-embedding.
const NormalizationRuleVersion = "norm-v1"

// noisePatterns strip resolution, codec, and container tokens common in
// torrent release names before hashing or embedding.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(480|576|720|1080|2160|4k)p?\b`),
	regexp.MustCompile(`(?i)\b(x264|x265|h264|h265|hevc|avc|xvid|divx)\b`),
	regexp.MustCompile(`(?i)\b(mkv|mp4|avi|mov|webm)\b`),
	regexp.MustCompile(`(?i)\b(webrip|web-dl|webdl|bluray|blu-ray|bdrip|dvdrip|hdtv|hdrip|brrip)\b`),
	regexp.MustCompile(`(?i)\b(aac|ac3|dts|flac|mp3)\b`),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize applies the token-strip rules and collapses whitespace,
// producing the exact string that is hashed and embedded. It is
// deliberately conservative: it only removes tokens, never reorders or
// stems words, so the result stays human-legible for debugging.
func Normalize(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, pattern := range noisePatterns {
		normalized = pattern.ReplaceAllString(normalized, " ")
	}
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// EmbeddingVersion combines the model identifier, its output dimension,
// and the active normalization rule version, so a change to any of the
// three is enough to trigger re-embedding of every row.
func EmbeddingVersion(model string, dim int) string {
	return model + ":" + strconv.Itoa(dim) + ":" + NormalizationRuleVersion
}
