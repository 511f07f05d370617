package minilm

import (
	"math"
	"os"
	"testing"

	"github.com/screenager/minilm/internal/nn"
	"github.com/screenager/minilm/internal/tensor"
)

const (
	testdataTbf   = "testdata/bert_weights.tbf"
	testdataVocab = "testdata/vocab.txt"
)

func loadTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := Create(testdataTbf, testdataVocab)
	if err != nil {
		t.Skipf("skipping: reference weights not found under testdata/: %v", err)
	}
	return m
}

func isValidSum(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// TestEmbedSingleCharacter checks the simplest possible input against the
// reference model.
func TestEmbedSingleCharacter(t *testing.T) {
	m := loadTestModel(t)
	defer m.Destroy()

	vec, err := m.Embed("a")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	var sumSq float32
	for _, v := range vec {
		sumSq += v * v
	}
	if diff := sumSq - 1; diff < -1e-3 || diff > 1e-3 {
		t.Errorf("sum of squares = %f, want ~1 (unit norm)", sumSq)
	}
}

// TestEmbedSingleCharacterMatchesReference compares embed("a") against a
// snapshot vector captured from a known-good run, as tensor.Dump output.
// Skipped when no such snapshot is checked in under testdata/.
func TestEmbedSingleCharacterMatchesReference(t *testing.T) {
	m := loadTestModel(t)
	defer m.Destroy()

	f, err := os.Open("testdata/reference_a.tensor")
	if err != nil {
		t.Skipf("skipping: no reference snapshot at testdata/reference_a.tensor: %v", err)
	}
	defer f.Close()

	reference, err := tensor.Load(f)
	if err != nil {
		t.Fatalf("load reference snapshot: %v", err)
	}

	vec, err := m.Embed("a")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	var sumAbsDiff float32
	for i, v := range vec {
		d := v - reference.Data[i]
		if d < 0 {
			d = -d
		}
		sumAbsDiff += d
	}
	if sumAbsDiff > 1e-4 {
		t.Errorf("sum abs diff from reference = %f, want <= 1e-4", sumAbsDiff)
	}
}

// TestEmbedCapitalCitiesSimilarity checks that each "what's the capital
// of X?" query's nearest candidate by cosine similarity (dot product,
// since embeddings are unit vectors) is the candidate naming X's capital.
func TestEmbedCapitalCitiesSimilarity(t *testing.T) {
	m := loadTestModel(t)
	defer m.Destroy()

	candidateNames := []string{"paris", "london", "berlin", "madrid", "rome"}
	candidates := make([][HiddenSize]float32, len(candidateNames))
	for i, name := range candidateNames {
		v, err := m.Embed(name)
		if err != nil {
			t.Fatalf("embed(%q): %v", name, err)
		}
		candidates[i] = v
	}

	cases := []struct {
		query string
		want  string
	}{
		{"what's the capital of germany?", "berlin"},
		{"what's the capital of france?", "paris"},
		{"what's the capital of spain?", "madrid"},
		{"what's the capital of italy?", "rome"},
		{"what's the capital of england?", "london"},
	}

	for _, c := range cases {
		qv, err := m.Embed(c.query)
		if err != nil {
			t.Fatalf("embed(%q): %v", c.query, err)
		}
		bestIdx, bestSim := -1, float32(-2)
		for i, cand := range candidates {
			sim := dot(qv[:], cand[:])
			if sim > bestSim {
				bestIdx, bestSim = i, sim
			}
		}
		if candidateNames[bestIdx] != c.want {
			t.Errorf("query %q: nearest candidate = %q, want %q", c.query, candidateNames[bestIdx], c.want)
		}
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// TestEmbedDeterministic checks that embedding the same text twice in one
// session gives bit-identical vectors.
func TestEmbedDeterministic(t *testing.T) {
	m := loadTestModel(t)
	defer m.Destroy()

	v1, err := m.Embed("hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	v2, err := m.Embed("hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("expected deterministic output, differs at %d: %f vs %f", i, v1[i], v2[i])
		}
	}
}

func TestEmbedTokenLimitExceeded(t *testing.T) {
	m := loadTestModel(t)
	defer m.Destroy()

	huge := ""
	for i := 0; i < 400; i++ {
		huge += "word "
	}
	if _, err := m.Embed(huge); err == nil {
		t.Fatal("expected token limit error for oversized input")
	}
}

// TestGradualTokenSizeIncrease exercises the embedder and all six encoder
// layers at both a short (128-token) and full (256-token) padded length,
// checking at every stage that the running tensor sum stays finite — a
// regression guard against layer-specific overflow at the full sequence
// length.
func TestGradualTokenSizeIncrease(t *testing.T) {
	m := loadTestModel(t)
	defer m.Destroy()

	ids, err := m.tokenizer.Encode("what's the capital of germany?")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, padLen := range []int{128, MaxTokens} {
		padded := make([]uint32, padLen)
		copy(padded, ids)

		hidden, err := m.embedderForward(padded)
		if err != nil {
			t.Fatalf("embedder forward (pad=%d): %v", padLen, err)
		}
		if !isValidSum(tensor.Sum(hidden)) {
			t.Fatalf("embedder output has NaN/Inf sum (pad=%d)", padLen)
		}

		for i := 0; i < numLayers; i++ {
			hidden, err = encoderLayerForward(hidden, m.weights.layers[i], padded)
			if err != nil {
				t.Fatalf("encoder layer %d forward (pad=%d): %v", i, padLen, err)
			}
			if !isValidSum(tensor.Sum(hidden)) {
				t.Fatalf("encoder layer %d output has NaN/Inf sum (pad=%d)", i, padLen)
			}
		}

		pooled := nn.MeanPool(hidden, padded)
		if !isValidSum(tensor.Sum(pooled)) {
			t.Fatalf("pooled output has NaN/Inf sum (pad=%d)", padLen)
		}
		nn.L2Normalize(pooled)
		if !isValidSum(tensor.Sum(pooled)) {
			t.Fatalf("normalized output has NaN/Inf sum (pad=%d)", padLen)
		}
	}
}
