//go:build yzma

package embedclient

import (
	"context"

	"github.com/hermesindex/hermesindex/pkg/localllm"
)

// LocalFallback wraps a GGUF model loaded via pkg/localllm so it can
// stand in for the remote Client when the remote embedding service is
// unreachable. Its embedding_version is namespaced with "local:" so the
// state store never confuses local vectors with remote ones.
type LocalFallback struct {
	model *localllm.Model
}

func NewLocalFallback(modelPath string) (*LocalFallback, error) {
	opts := localllm.DefaultOptions(modelPath)
	model, err := localllm.LoadModel(opts)
	if err != nil {
		return nil, err
	}
	return &LocalFallback{model: model}, nil
}

func (l *LocalFallback) Dimensions() int { return l.model.Dimensions() }

func (l *LocalFallback) Close() error { return l.model.Close() }

// Embed ignores role: the local model has no retrieval-tuned prefix
// distinction, unlike the remote service's query/document split.
func (l *LocalFallback) Embed(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	return l.model.EmbedBatch(ctx, texts)
}

// EmbeddingVersion returns a version string namespaced under "local:"
// so local and remote vectors are never treated as interchangeable.
func (l *LocalFallback) EmbeddingVersion() string {
	return "local:" + l.model.ModelDescription()
}
