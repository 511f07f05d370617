// Package embed wraps internal/minilm's session lifecycle behind the
// small batching and timing surface the rest of this codebase (chunker,
// index, CLI) consumes. Vectors are L2-normalized so dot product == cosine
// similarity.
package embed

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/screenager/minilm/internal/minilm"
)

// EmbeddingDim is the output dimension of every embedding this package
// produces.
const EmbeddingDim = minilm.HiddenSize

// defaultBatchSize is the group size Embed walks its input in. The
// underlying model runs one text at a time (there is no batched forward
// pass) and Embed returns only after every text is done, so the grouping
// changes neither the results nor throughput.
const defaultBatchSize = 4

// Embedder wraps a minilm.Model session. Each instance is given its own
// random session ID at New; this package stores it but does not log or
// return it.
type Embedder struct {
	model     *minilm.Model
	sessionID uuid.UUID
	batchSize int
}

// New loads the weight container and vocabulary from modelDir, which
// must contain weights.tbf and vocab.txt.
func New(modelDir string) (*Embedder, error) {
	tbfPath := filepath.Join(modelDir, "weights.tbf")
	vocabPath := filepath.Join(modelDir, "vocab.txt")

	if _, err := os.Stat(tbfPath); err != nil {
		return nil, fmt.Errorf("weights not found at %s: %w", tbfPath, err)
	}
	if _, err := os.Stat(vocabPath); err != nil {
		return nil, fmt.Errorf("vocabulary not found at %s: %w", vocabPath, err)
	}

	m, err := minilm.Create(tbfPath, vocabPath)
	if err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}

	return &Embedder{
		model:     m,
		sessionID: uuid.New(),
		batchSize: defaultBatchSize,
	}, nil
}

// Close releases the underlying model session.
func (e *Embedder) Close() {
	if e.model != nil {
		e.model.Destroy()
	}
}

// Embed embeds a batch of document texts.
func (e *Embedder) Embed(texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		for _, text := range texts[i:end] {
			vec, err := e.model.Embed(text)
			if err != nil {
				return nil, fmt.Errorf("embed %q: %w", text, err)
			}
			results = append(results, append([]float32(nil), vec[:]...))
		}
	}
	return results, nil
}

// EmbedQuery embeds a single query string. There is no asymmetric
// query/document instruction prefix here (unlike BGE-family models) —
// this encoder was trained symmetrically, so queries and documents share
// the same embedding path.
func (e *Embedder) EmbedQuery(query string) ([]float32, error) {
	vecs, err := e.Embed([]string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("empty result for query")
	}
	return vecs[0], nil
}

// BenchmarkSingle embeds a single short text and returns phase timings for
// the sift bench command: tokenize is the WordPiece encode step, forward
// is a full Embed call (which tokenizes again, then runs the six-layer
// encoder pass plus pooling/normalization), and total is the time observed
// end to end across both.
func (e *Embedder) BenchmarkSingle(text string) (tokenize, forward, total time.Duration, err error) {
	t0 := time.Now()
	if _, encErr := e.model.EncodeForBenchmark(text); encErr != nil {
		return 0, 0, 0, encErr
	}
	tokenize = time.Since(t0)

	t1 := time.Now()
	if _, embedErr := e.model.Embed(text); embedErr != nil {
		return 0, 0, 0, embedErr
	}
	forward = time.Since(t1)

	total = time.Since(t0)
	return tokenize, forward, total, nil
}
