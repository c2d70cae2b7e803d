//go:build windows || yzma

// Package localllm loads a GGUF embedding model in-process through yzma
// (github.com/hybridgroup/yzma), which binds llama.cpp via purego FFI
// with no CGO step. It backs embedclient's local fallback embedder: the
// path taken when the remote embedding service is unreachable.
//
// Set HERMESINDEX_LOCAL_LIB to point at the directory holding the
// prebuilt llama.cpp libraries (run `yzma install` to fetch them). If
// unset, a handful of conventional locations are probed before falling
// back to ./lib/llama.
package localllm

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"

	"github.com/hermesindex/hermesindex/pkg/vecmath"
)

var (
	gpuAvailable  bool
	gpuDeviceName string
	backendInfo   string
	initOnce      sync.Once
	initErr       error
)

// BackendInfo describes the compute backend yzma detected at init time.
type BackendInfo struct {
	GPUAvailable  bool
	GPUDeviceName string
	SystemInfo    string
	DeviceCount   int
}

// GetBackendInfo returns the detected compute backend, for startup logging.
func GetBackendInfo() BackendInfo {
	initOnce.Do(doInit)
	return BackendInfo{
		GPUAvailable:  gpuAvailable,
		GPUDeviceName: gpuDeviceName,
		SystemInfo:    backendInfo,
		DeviceCount:   int(llama.GGMLBackendDeviceCount()),
	}
}

func getExeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func doInit() {
	libPath := os.Getenv("HERMESINDEX_LOCAL_LIB")
	if libPath == "" {
		candidates := []string{
			"./lib/llama",
			filepath.Join(getExeDir(), "lib", "llama"),
			filepath.Join(getExeDir(), "lib"),
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(filepath.Join(candidate, "ggml.dll")); err == nil {
				libPath = candidate
				break
			}
			if _, err := os.Stat(filepath.Join(candidate, "ggml-base.dll")); err == nil {
				libPath = candidate
				break
			}
		}
		if libPath == "" {
			libPath = "./lib/llama"
		}
	}

	if absPath, err := filepath.Abs(libPath); err == nil {
		libPath = absPath
	}

	// DLL search on Windows needs libPath on PATH before Load, so
	// dependent CUDA/VC++ runtimes resolve.
	if runtime.GOOS == "windows" {
		currentPath := os.Getenv("PATH")
		if !strings.Contains(currentPath, libPath) {
			os.Setenv("PATH", libPath+";"+currentPath)
		}
	}

	log.Printf("[localllm] loading llama.cpp libraries from %s", libPath)

	if err := llama.Load(libPath); err != nil {
		initErr = fmt.Errorf("load llama.cpp libraries from %s: %w", libPath, err)
		log.Printf("[localllm] %v", initErr)
		return
	}

	llama.Init()
	detectGPU()
}

func detectGPU() {
	gpuAvailable = llama.SupportsGpuOffload()
	backendInfo = llama.PrintSystemInfo()

	deviceCount := llama.GGMLBackendDeviceCount()
	for i := uint64(0); i < deviceCount; i++ {
		dev := llama.GGMLBackendDeviceGet(i)
		name := llama.GGMLBackendDeviceName(dev)
		nameLower := strings.ToLower(name)
		if strings.Contains(nameLower, "cuda") ||
			strings.Contains(nameLower, "metal") ||
			strings.Contains(nameLower, "vulkan") ||
			strings.Contains(nameLower, "hip") ||
			strings.Contains(nameLower, "gpu") {
			gpuDeviceName = name
			gpuAvailable = true
			break
		}
	}

	switch {
	case gpuAvailable && gpuDeviceName != "":
		log.Printf("[localllm] GPU detected: %s", gpuDeviceName)
	case gpuAvailable:
		log.Printf("[localllm] GPU offload supported (device detection inconclusive)")
	default:
		log.Printf("[localllm] no GPU detected, using CPU-only mode")
	}
}

// Model wraps a GGUF model loaded for embedding generation. Embed and
// EmbedBatch are safe for concurrent use; each call reloads its own
// llama.cpp context rather than sharing mutable native state.
type Model struct {
	modelPath string
	dims      int
	modelDesc string
	gpuLayers int32
	usingGPU  bool
	mu        sync.Mutex
}

// Options configures model loading.
type Options struct {
	ModelPath   string
	ContextSize int
	BatchSize   int
	Threads     int
	GPULayers   int // -1 = auto, 0 = CPU only, N = N layers on GPU
}

// DefaultOptions returns options tuned for short embedding inputs, with
// GPU offload auto-detected.
func DefaultOptions(modelPath string) Options {
	threads := runtime.NumCPU() / 2
	if threads < 4 {
		threads = 4
	}
	if threads > 8 {
		threads = 8
	}
	return Options{
		ModelPath:   modelPath,
		ContextSize: 512,
		BatchSize:   512,
		Threads:     threads,
		GPULayers:   -1,
	}
}

// LoadModel loads a GGUF model, falling back to CPU-only if GPU load
// fails despite auto/explicit GPU layers being requested.
func LoadModel(opts Options) (*Model, error) {
	initOnce.Do(doInit)
	if initErr != nil {
		return nil, initErr
	}

	gpuLayers := int32(opts.GPULayers)
	usingGPU := false
	switch {
	case opts.GPULayers == -1 && gpuAvailable:
		gpuLayers, usingGPU = -1, true
	case opts.GPULayers == -1:
		gpuLayers = 0
	case opts.GPULayers > 0 && gpuAvailable:
		usingGPU = true
	default:
		gpuLayers = 0
	}

	modelParams := llama.ModelDefaultParams()
	modelParams.NGpuLayers = gpuLayers

	lmodel, err := llama.ModelLoadFromFile(opts.ModelPath, modelParams)
	if err != nil && usingGPU {
		log.Printf("[localllm] GPU model load failed, retrying on CPU: %v", err)
		modelParams.NGpuLayers = 0
		lmodel, err = llama.ModelLoadFromFile(opts.ModelPath, modelParams)
		usingGPU, gpuLayers = false, 0
	}
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", opts.ModelPath, err)
	}
	defer llama.ModelFree(lmodel)

	dims := int(llama.ModelNEmbd(lmodel))
	if dims == 0 {
		return nil, fmt.Errorf("model %s reports zero embedding dimensions", opts.ModelPath)
	}

	modelDesc := llama.ModelDesc(lmodel)
	if modelDesc == "" {
		modelDesc = opts.ModelPath
	}

	return &Model{
		modelPath: opts.ModelPath,
		dims:      dims,
		modelDesc: modelDesc,
		gpuLayers: gpuLayers,
		usingGPU:  usingGPU,
	}, nil
}

// Embed returns an L2-normalized embedding for text.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	modelParams := llama.ModelDefaultParams()
	modelParams.NGpuLayers = m.gpuLayers

	model, err := llama.ModelLoadFromFile(m.modelPath, modelParams)
	if err != nil && m.gpuLayers != 0 {
		modelParams.NGpuLayers = 0
		model, err = llama.ModelLoadFromFile(m.modelPath, modelParams)
	}
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	defer llama.ModelFree(model)

	ctxParams := llama.ContextDefaultParams()
	ctxParams.Embeddings = 1
	lctx, err := llama.InitFromModel(model, ctxParams)
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	defer llama.Free(lctx)

	vocab := llama.ModelGetVocab(model)
	tokens := llama.Tokenize(vocab, text, true, false)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("text produced no tokens")
	}

	// BatchGetOne returns a stack-allocated batch; only BatchInit
	// batches need BatchFree.
	batch := llama.BatchGetOne(tokens)
	if _, err := llama.Encode(lctx, batch); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	emb, err := llama.GetEmbeddings(lctx, 1, m.dims)
	if err != nil {
		return nil, fmt.Errorf("get embeddings: %w", err)
	}
	if len(emb) != m.dims {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(emb), m.dims)
	}

	result := make([]float32, len(emb))
	copy(result, emb)
	vecmath.NormalizeInPlace(result)
	return result, nil
}

// EmbedBatch embeds texts sequentially, one llama.cpp context per call.
func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch index %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the embedding vector width.
func (m *Model) Dimensions() int { return m.dims }

// ModelDescription returns yzma's human-readable model description,
// used to namespace the local fallback's embedding_version.
func (m *Model) ModelDescription() string { return m.modelDesc }

// UsingGPU reports whether this model instance is offloading to GPU.
func (m *Model) UsingGPU() bool { return m.usingGPU }

// Close is a no-op: yzma keeps the native libraries loaded for reuse by
// subsequent models in the same process.
func (m *Model) Close() error { return nil }
