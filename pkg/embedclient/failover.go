package embedclient

import (
	"context"

	"github.com/hermesindex/hermesindex/pkg/errkind"
)

// Embedder is the capability both the remote Client and the local GGUF
// fallback implement, so the sync pipeline and search orchestrator can
// depend on the interface rather than a concrete transport.
type Embedder interface {
	Embed(ctx context.Context, texts []string, role Role) ([][]float32, error)
	Dimensions() int
}

// VersionedEmbedder additionally reports the embedding_version tag to
// attach to written vectors.
type VersionedEmbedder interface {
	Embedder
	EmbeddingVersion() string
}

// remoteVersioned adapts Client to VersionedEmbedder using its
// configured model+dimension, matching EmbeddingVersion's contract.
type remoteVersioned struct {
	*Client
	version string
}

func (c *Client) Versioned(version string) VersionedEmbedder {
	return &remoteVersioned{Client: c, version: version}
}

func (r *remoteVersioned) EmbeddingVersion() string { return r.version }

// Failover tries the remote embedder first; if it reports
// EMBED_UNAVAILABLE, it falls over to the local embedder, which must
// carry a distinct EmbeddingVersion so the state store never conflates
// remote and local vectors.
type Failover struct {
	Remote VersionedEmbedder
	Local  VersionedEmbedder // nil when no local fallback is configured
}

func (f *Failover) Dimensions() int { return f.Remote.Dimensions() }

// EmbedWithVersion returns both the vectors and the embedding_version
// that produced them, since that version changes depending on which
// backend actually served the call.
func (f *Failover) EmbedWithVersion(ctx context.Context, texts []string, role Role) ([][]float32, string, error) {
	vectors, err := f.Remote.Embed(ctx, texts, role)
	if err == nil {
		return vectors, f.Remote.EmbeddingVersion(), nil
	}
	if f.Local == nil || errkind.KindOf(err) != errkind.EmbedUnavailable {
		return nil, "", err
	}
	vectors, err = f.Local.Embed(ctx, texts, role)
	if err != nil {
		return nil, "", err
	}
	return vectors, f.Local.EmbeddingVersion(), nil
}
