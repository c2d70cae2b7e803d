//go:build yzma

package main

import "github.com/hermesindex/hermesindex/pkg/embedclient"

// newLocalFallback loads a GGUF model as the embedding failover target.
// Only linked into binaries built with -tags yzma, since pkg/localllm's
// bindings themselves carry that constraint.
func newLocalFallback(path string) (embedclient.VersionedEmbedder, error) {
	return embedclient.NewLocalFallback(path)
}
