//go:build !yzma

package main

import (
	"fmt"

	"github.com/hermesindex/hermesindex/pkg/embedclient"
)

// newLocalFallback reports that this binary was built without the GGUF
// local-model bindings. Build with -tags yzma to enable embedding
// failover to a local model.
func newLocalFallback(path string) (embedclient.VersionedEmbedder, error) {
	return nil, fmt.Errorf("local embedding fallback requires building with -tags yzma")
}
