package reranker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	modelFile     = "model.onnx"
	tokenizerFile = "tokenizer.json"

	defaultMaxLength = 512
)

// ONNXConfig locates a sequence-classification cross-encoder exported to ONNX,
// e.g. cross-encoder/ms-marco-MiniLM-L-6-v2.
type ONNXConfig struct {
	// ModelDir holds model.onnx and tokenizer.json.
	ModelDir string
	// RuntimePath is the onnxruntime shared library. Empty uses the platform default.
	RuntimePath string
	// MaxLength caps the token count of each (query, document) pair.
	MaxLength int
	// TokenTypeIDs feeds the token_type_ids input. BERT-style models need it,
	// XLM-RoBERTa ones do not.
	TokenTypeIDs bool
}

var ortEnv sync.Mutex

// initRuntime sets up the process-wide onnxruntime environment once.
func initRuntime(libPath string) error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initializing onnxruntime: %w", err)
	}
	return nil
}

// ONNXModel runs a local cross-encoder. It never calls the network.
type ONNXModel struct {
	session   *ort.DynamicAdvancedSession
	maxLength int
	typeIDs   bool

	// the tokenizer is not safe for concurrent use
	tkMu sync.Mutex
	tk   *tokenizer.Tokenizer
}

// NewONNXLoader returns a ModelLoader for cfg.
func NewONNXLoader(cfg ONNXConfig) ModelLoader {
	return func(ctx context.Context) (Model, error) {
		return LoadONNXModel(cfg)
	}
}

// LoadONNXModel reads the tokenizer and creates an inference session.
func LoadONNXModel(cfg ONNXConfig) (*ONNXModel, error) {
	modelPath := filepath.Join(cfg.ModelDir, modelFile)
	tokenizerPath := filepath.Join(cfg.ModelDir, tokenizerFile)
	for _, p := range []string{modelPath, tokenizerPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrModelMissing, p)
			}
			return nil, fmt.Errorf("checking %s: %w", p, err)
		}
	}

	tk, err := pretrained.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	if err := initRuntime(cfg.RuntimePath); err != nil {
		return nil, err
	}

	inputs := []string{"input_ids", "attention_mask"}
	if cfg.TokenTypeIDs {
		inputs = append(inputs, "token_type_ids")
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, []string{"logits"}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating onnx session: %w", err)
	}

	maxLen := cfg.MaxLength
	if maxLen <= 0 {
		maxLen = defaultMaxLength
	}
	return &ONNXModel{
		session:   session,
		maxLength: maxLen,
		typeIDs:   cfg.TokenTypeIDs,
		tk:        tk,
	}, nil
}

// batch is a padded, row-major set of encoded pairs.
type batch struct {
	rows, cols int
	ids        []int64
	mask       []int64
	typeIDs    []int64
}

func (m *ONNXModel) encode(query string, texts []string) (*batch, error) {
	m.tkMu.Lock()
	defer m.tkMu.Unlock()

	encodings := make([]*tokenizer.Encoding, len(texts))
	cols := 0
	for i, text := range texts {
		enc, err := m.tk.EncodePair(query, text, true)
		if err != nil {
			return nil, fmt.Errorf("tokenizing document %d: %w", i, err)
		}
		encodings[i] = enc
		if n := min(len(enc.Ids), m.maxLength); n > cols {
			cols = n
		}
	}
	if cols == 0 {
		return nil, errors.New("tokenizer produced no tokens")
	}

	b := &batch{
		rows:    len(texts),
		cols:    cols,
		ids:     make([]int64, len(texts)*cols),
		mask:    make([]int64, len(texts)*cols),
		typeIDs: make([]int64, len(texts)*cols),
	}
	for r, enc := range encodings {
		n := len(enc.Ids)
		for c := 0; c < cols && c < n; c++ {
			src := c
			// keep the closing separator when the pair is cut
			if n > cols && c == cols-1 {
				src = n - 1
			}
			b.ids[r*cols+c] = int64(enc.Ids[src])
			b.mask[r*cols+c] = 1
			if src < len(enc.TypeIds) {
				b.typeIDs[r*cols+c] = int64(enc.TypeIds[src])
			}
		}
	}
	return b, nil
}

// Score runs one forward pass over all pairs.
func (m *ONNXModel) Score(ctx context.Context, query string, texts []string) ([]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := m.encode(query, texts)
	if err != nil {
		return nil, err
	}

	shape := ort.NewShape(int64(b.rows), int64(b.cols))
	idsT, err := ort.NewTensor(shape, b.ids)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, b.mask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()

	inputs := []ort.Value{idsT, maskT}
	if m.typeIDs {
		typeT, err := ort.NewTensor(shape, b.typeIDs)
		if err != nil {
			return nil, fmt.Errorf("token_type_ids tensor: %w", err)
		}
		defer typeT.Destroy()
		inputs = append(inputs, typeT)
	}

	// nil output is allocated by the session with the model's shape
	outputs := []ort.Value{nil}
	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("running cross-encoder: %w", err)
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected logits type %T", outputs[0])
	}
	return rowScores(logits.GetData(), logits.GetShape(), b.rows)
}

// rowScores picks one logit per row. Single-label models give [rows] or [rows, 1];
// two-label models give [rows, 2] and the last column is the relevant class.
func rowScores(data []float32, shape ort.Shape, rows int) ([]float32, error) {
	labels := 1
	if len(shape) == 2 {
		labels = int(shape[1])
	}
	if labels < 1 || len(data) != rows*labels {
		return nil, fmt.Errorf("unexpected logits shape %v for %d rows", shape, rows)
	}
	scores := make([]float32, rows)
	for r := range scores {
		scores[r] = data[r*labels+labels-1]
	}
	return scores, nil
}

// Close destroys the inference session.
func (m *ONNXModel) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

var _ Model = (*ONNXModel)(nil)
