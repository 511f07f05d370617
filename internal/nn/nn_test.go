package nn

import (
	"math"
	"testing"

	"github.com/screenager/minilm/internal/tensor"
)

func approxEqual(a, b, eps float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}

func TestEmbeddingLookup(t *testing.T) {
	weights := tensor.View([]float32{
		1, 2, // id 0
		3, 4, // id 1
		5, 6, // id 2
	}, 3, 2)
	out := EmbeddingLookup([]uint32{2, 0, 1}, weights)
	want := []float32{5, 6, 1, 2, 3, 4}
	for i, w := range want {
		if out.Data[i] != w {
			t.Errorf("Data[%d] = %f, want %f", i, out.Data[i], w)
		}
	}
}

func TestLayerNormZeroMeanUnitVariance(t *testing.T) {
	x := tensor.View([]float32{1, 2, 3, 4}, 1, 4)
	gamma := tensor.View([]float32{1, 1, 1, 1}, 4)
	beta := tensor.View([]float32{0, 0, 0, 0}, 4)

	out, err := LayerNorm(x, gamma, beta)
	if err != nil {
		t.Fatalf("layer_norm: %v", err)
	}
	row := tensor.Slice(out, 0, 0, false)
	var mean float32
	for _, v := range row.Data[:4] {
		mean += v
	}
	mean /= 4
	if !approxEqual(mean, 0, 1e-4) {
		t.Errorf("mean = %f, want ~0", mean)
	}
	var variance float32
	for _, v := range row.Data[:4] {
		variance += (v - mean) * (v - mean)
	}
	variance /= 4
	if !approxEqual(variance, 1, 1e-4) {
		t.Errorf("variance = %f, want ~1", variance)
	}
}

func TestLinear(t *testing.T) {
	x := tensor.View([]float32{1, 2}, 1, 2)
	weights := tensor.View([]float32{1, 0, 0, 1}, 2, 2) // identity
	bias := tensor.View([]float32{10, 20}, 2)

	out, err := Linear(x, weights, bias)
	if err != nil {
		t.Fatalf("linear: %v", err)
	}
	want := []float32{11, 22}
	for i, w := range want {
		if out.Data[i] != w {
			t.Errorf("Data[%d] = %f, want %f", i, out.Data[i], w)
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	row := tensor.View([]float32{1, 2, 3, 4}, 4)
	Softmax(row)
	var sum float32
	for _, v := range row.Data {
		sum += v
	}
	if !approxEqual(sum, 1, 1e-5) {
		t.Errorf("sum = %f, want 1", sum)
	}
	// largest logit should have the largest probability
	if row.Data[3] <= row.Data[0] {
		t.Errorf("expected monotonic softmax, got %v", row.Data)
	}
}

func TestSoftmaxAllMaskedFallsBackToUniform(t *testing.T) {
	row := tensor.View([]float32{maskValue, maskValue, maskValue}, 3)
	Softmax(row)
	want := float32(1.0 / 3.0)
	for i, v := range row.Data {
		if !approxEqual(v, want, 1e-5) {
			t.Errorf("Data[%d] = %f, want uniform %f", i, v, want)
		}
	}
}

func TestSoftmaxHandlesNaNInput(t *testing.T) {
	nan := float32(math.NaN())
	row := tensor.View([]float32{nan, 1, 2}, 3)
	Softmax(row)
	want := float32(1.0 / 3.0)
	for i, v := range row.Data {
		if !approxEqual(v, want, 1e-5) {
			t.Errorf("Data[%d] = %f, want uniform %f (NaN fallback)", i, v, want)
		}
	}
}

func TestAttentionMasksPaddingPositions(t *testing.T) {
	const hidden, heads = 4, 2
	numTokens := 3
	data := make([]float32, numTokens*hidden)
	for i := range data {
		data[i] = float32(i%5) + 1
	}
	q := tensor.View(append([]float32(nil), data...), numTokens, hidden)
	k := tensor.View(append([]float32(nil), data...), numTokens, hidden)
	v := tensor.View(append([]float32(nil), data...), numTokens, hidden)

	tokenIDs := []uint32{101, 2054, 0} // last token is padding

	out, err := Attention(q, k, v, heads, tokenIDs)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	if out.Dims[0] != numTokens || out.Dims[1] != hidden {
		t.Fatalf("dims = %v, want [%d %d]", out.Dims, numTokens, hidden)
	}

	// Changing the padding token's value row must not change the outputs
	// of the non-padding queries: the padding key gets zero weight.
	vAlt := append([]float32(nil), data...)
	for i := 2 * hidden; i < 3*hidden; i++ {
		vAlt[i] = 1000
	}
	outAlt, err := Attention(q, k, tensor.View(vAlt, numTokens, hidden), heads, tokenIDs)
	if err != nil {
		t.Fatalf("attention (alt v): %v", err)
	}
	for i := 0; i < 2*hidden; i++ {
		if out.Data[i] != outAlt.Data[i] {
			t.Errorf("non-padding output[%d] changed with padding value row: %f vs %f", i, out.Data[i], outAlt.Data[i])
		}
	}
}

func TestMeanPoolIgnoresPadding(t *testing.T) {
	in := tensor.View([]float32{
		1, 1,
		3, 3,
		100, 100, // padding, should be ignored
	}, 3, 2)
	tokenIDs := []uint32{101, 2054, 0}

	out := MeanPool(in, tokenIDs)
	want := []float32{2, 2} // mean of (1,1) and (3,3)
	for i, w := range want {
		if !approxEqual(out.Data[i], w, 1e-5) {
			t.Errorf("Data[%d] = %f, want %f", i, out.Data[i], w)
		}
	}
}

func TestMeanPoolAllPaddingReturnsZero(t *testing.T) {
	in := tensor.View([]float32{1, 1, 2, 2}, 2, 2)
	tokenIDs := []uint32{0, 0}

	out := MeanPool(in, tokenIDs)
	for i, v := range out.Data {
		if v != 0 {
			t.Errorf("Data[%d] = %f, want 0", i, v)
		}
	}
}

func TestL2NormalizeProducesUnitNorm(t *testing.T) {
	x := tensor.View([]float32{3, 4}, 2)
	L2Normalize(x)
	var sumSq float32
	for _, v := range x.Data {
		sumSq += v * v
	}
	if !approxEqual(sumSq, 1, 1e-5) {
		t.Errorf("sum of squares = %f, want 1", sumSq)
	}
}
