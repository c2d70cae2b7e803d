//go:build windows || yzma

package localllm

import (
	"context"
	"os"
	"runtime"
	"testing"
)

func skipOnConstrainedEnv(t testing.TB) {
	t.Helper()
	if os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "" {
		t.Skip("skipping model loading test in CI environment")
	}
	if runtime.GOOS == "windows" {
		t.Skip("skipping model loading test on windows due to memory constraints")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions("/tmp/test.gguf")

	if opts.ModelPath != "/tmp/test.gguf" {
		t.Errorf("ModelPath = %q, want /tmp/test.gguf", opts.ModelPath)
	}
	if opts.ContextSize != 512 {
		t.Errorf("ContextSize = %d, want 512", opts.ContextSize)
	}
	if opts.BatchSize != 512 {
		t.Errorf("BatchSize = %d, want 512", opts.BatchSize)
	}
	if opts.Threads < 4 || opts.Threads > 8 {
		t.Errorf("Threads = %d, want in [4, 8]", opts.Threads)
	}
	if opts.GPULayers != -1 {
		t.Errorf("GPULayers = %d, want -1 (auto)", opts.GPULayers)
	}
}

func TestModel_Integration(t *testing.T) {
	skipOnConstrainedEnv(t)
	modelPath := os.Getenv("TEST_GGUF_MODEL")
	if modelPath == "" {
		t.Skip("skipping: TEST_GGUF_MODEL not set")
	}

	opts := DefaultOptions(modelPath)
	opts.GPULayers = 0 // force CPU for CI

	model, err := LoadModel(opts)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	defer model.Close()

	ctx := context.Background()
	vec, err := model.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != model.Dimensions() {
		t.Errorf("embedding length = %d, want %d", len(vec), model.Dimensions())
	}

	var sumSq float32
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq < 0.99 || sumSq > 1.01 {
		t.Errorf("embedding not normalized: sum of squares = %f", sumSq)
	}
}

func TestModel_BatchEmbedding(t *testing.T) {
	skipOnConstrainedEnv(t)
	modelPath := os.Getenv("TEST_GGUF_MODEL")
	if modelPath == "" {
		t.Skip("skipping: TEST_GGUF_MODEL not set")
	}

	opts := DefaultOptions(modelPath)
	opts.GPULayers = 0

	model, err := LoadModel(opts)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	defer model.Close()

	texts := []string{"hello", "world", "test"}
	vecs, err := model.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Errorf("got %d embeddings, want %d", len(vecs), len(texts))
	}
}

func BenchmarkEmbed(b *testing.B) {
	skipOnConstrainedEnv(b)
	modelPath := os.Getenv("TEST_GGUF_MODEL")
	if modelPath == "" {
		b.Skip("skipping: TEST_GGUF_MODEL not set")
	}

	opts := DefaultOptions(modelPath)
	model, err := LoadModel(opts)
	if err != nil {
		b.Fatalf("LoadModel failed: %v", err)
	}
	defer model.Close()

	ctx := context.Background()
	text := "The quick brown fox jumps over the lazy dog"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := model.Embed(ctx, text); err != nil {
			b.Fatal(err)
		}
	}
}
