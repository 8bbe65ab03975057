//go:build onnx

package onnx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/nim-memory/core"
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// SharedLibraryPath locates libonnxruntime. Empty uses the runtime's
	// default search.
	SharedLibraryPath string

	// Dimensions is the embedding vector size (default: 384 for all-MiniLM-L6-v2).
	Dimensions int

	// SequenceLength defaults to DefaultSequenceLength.
	SequenceLength int

	Logger zerolog.Logger
}

// ONNXEmbedder generates embeddings using ONNX Runtime.
type ONNXEmbedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *BERTTokenizer
	dimensions int
	seqLen     int
	log        zerolog.Logger

	// the session is not safe for concurrent Run calls
	mu sync.Mutex
}

// New creates a new ONNX embedder.
func New(cfg Config) (*ONNXEmbedder, error) {
	if cfg.ModelPath == "" {
		return nil, core.Invalid("model_path", "must be set")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384 // Default for all-MiniLM-L6-v2
	}
	if cfg.SequenceLength == 0 {
		cfg.SequenceLength = DefaultSequenceLength
	}
	log := cfg.Logger.With().Str("component", "onnx_embedder").Logger()

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize ONNX runtime: %w", err)
		}
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load BERT tokenizer: %w", err)
	}

	// Inspect model metadata with a throwaway session
	tempSession, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create temp ONNX session: %w", err)
	}
	if metadata, err := tempSession.GetModelMetadata(); err == nil {
		producer, _ := metadata.GetProducerName()
		version, _ := metadata.GetVersion()
		log.Info().Str("producer", producer).Int64("version", version).Msg("model metadata")
		metadata.Destroy()
	}
	tempSession.Destroy()

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("create ONNX session: %w", err)
	}

	return &ONNXEmbedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		seqLen:     cfg.SequenceLength,
		log:        log,
	}, nil
}

func providerErr(kind core.ProviderErrorKind, err error) error {
	return core.NewProviderError("onnx", "embed", kind, err)
}

// Embed converts text to a unit embedding vector.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, providerErr(core.ProviderTimeout, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, providerErr(core.ProviderInvalidInput, errors.New("empty text"))
	}

	inputIDs, attentionMask := e.tokenizer.Encode(text, e.seqLen)
	tokenTypeIDs := make([]int64, e.seqLen)

	shape := ort.NewShape(1, int64(e.seqLen))
	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, data := range [][]int64{inputIDs, attentionMask, tokenTypeIDs} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, providerErr(core.ProviderUnavailable, fmt.Errorf("create input tensor: %w", err))
		}
		inputs = append(inputs, t)
	}

	// Outputs are allocated by Run
	outputs := []ort.Value{nil}
	e.mu.Lock()
	err := e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, providerErr(core.ProviderUnavailable, fmt.Errorf("inference: %w", err))
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, providerErr(core.ProviderUnavailable, errors.New("unexpected output tensor type"))
	}
	data := outputTensor.GetData()
	shapeOut := outputTensor.GetShape()
	e.log.Debug().Ints64("shape", shapeOut).Int("tokens", countAttended(attentionMask)).Msg("inference")

	var embedding []float32
	switch len(shapeOut) {
	case 2:
		// Already pooled: [1, hidden]
		if len(data) < e.dimensions {
			return nil, providerErr(core.ProviderUnavailable,
				fmt.Errorf("output dimension mismatch: got %d, expected %d", len(data), e.dimensions))
		}
		embedding = append([]float32(nil), data[:e.dimensions]...)
	case 3:
		// [batch, seq_len, hidden] needs mean pooling
		if shapeOut[0] != 1 {
			return nil, providerErr(core.ProviderUnavailable, fmt.Errorf("expected batch size 1, got %d", shapeOut[0]))
		}
		if shapeOut[2] != int64(e.dimensions) {
			return nil, providerErr(core.ProviderUnavailable,
				fmt.Errorf("hidden size mismatch: got %d, expected %d", shapeOut[2], e.dimensions))
		}
		embedding = meanPool(data, attentionMask[:shapeOut[1]], e.dimensions)
	default:
		return nil, providerErr(core.ProviderUnavailable, fmt.Errorf("unexpected output shape: %v", shapeOut))
	}
	return normalize(embedding), nil
}

func countAttended(mask []int64) int {
	n := 0
	for _, m := range mask {
		n += int(m)
	}
	return n
}

// Dimensions returns the embedding vector size.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases ONNX resources.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}
