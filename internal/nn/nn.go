// Package nn implements the handful of neural-network primitives a
// BERT-family encoder forward pass needs: embedding lookup, layer
// normalization, a linear projection, multi-head masked self-attention,
// mask-aware mean pooling, and L2 normalization. Every function here
// operates on tensor.Tensor and allocates its own output.
package nn

import (
	"fmt"
	"math"

	"github.com/screenager/minilm/internal/tensor"
)

const layerNormEps = 1e-12

// EmbeddingLookup gathers rows of weights (an [vocab, hidden] table) at
// ids, producing a [len(ids), hidden] tensor.
func EmbeddingLookup(ids []uint32, weights tensor.Tensor) tensor.Tensor {
	hidden := weights.Dims[1]
	out := tensor.Create(len(ids), hidden)
	for i, id := range ids {
		dst := tensor.Slice(out, 0, i, true)
		src := tensor.Slice(weights, 0, int(id), true)
		copy(dst.Data[:hidden], src.Data[:hidden])
	}
	return out
}

func rowMean(row tensor.Tensor) float32 {
	return tensor.Sum(row) / float32(row.Dims[0])
}

// LayerNorm normalizes each row of x to zero mean and unit variance, then
// scales by gamma and shifts by beta (both length x.Dims[1]).
func LayerNorm(x, gamma, beta tensor.Tensor) (tensor.Tensor, error) {
	if x.Rank() != 2 {
		return tensor.Tensor{}, fmt.Errorf("nn: layer_norm: x must be rank 2, got %d", x.Rank())
	}
	rows, cols := x.Dims[0], x.Dims[1]
	out := tensor.Create(rows, cols)

	for r := 0; r < rows; r++ {
		row := tensor.Slice(x, 0, r, false)
		mean := rowMean(row)

		centered := tensor.Copy(row)
		tensor.UnaryOpInPlace(centered, tensor.SubScalar, mean)

		variance := tensor.Copy(centered)
		tensor.UnaryOpInPlace(variance, tensor.Pow, 2.0)
		varMean := tensor.Sum(variance) / float32(cols)

		invStd := float32(1.0 / math.Sqrt(float64(varMean+layerNormEps)))
		tensor.UnaryOpInPlace(centered, tensor.Scale, invStd)
		tensor.BinaryOpInPlace(centered, gamma, tensor.Mul)
		tensor.BinaryOpInPlace(centered, beta, tensor.Add)

		outRow := tensor.Slice(out, 0, r, false)
		copy(outRow.Data[:cols], centered.Data[:cols])
	}
	return out, nil
}

// Linear computes x @ weights^T + bias, where x is [S, in], weights is
// [out, in], and bias is [out].
func Linear(x, weights, bias tensor.Tensor) (tensor.Tensor, error) {
	weightsT, err := tensor.Permute(weights, 0, 1)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: linear: transpose weights: %w", err)
	}
	out, err := tensor.Matmul(x, weightsT)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: linear: matmul: %w", err)
	}
	tensor.BinaryOpInPlace(out, bias, tensor.Add)
	return out, nil
}

// Softmax applies a numerically-stable softmax in place to the 1-D tensor
// row, subtracting the row max before exponentiating. If the resulting sum
// is zero, NaN, or infinite, row is replaced with a uniform distribution
// instead of propagating invalid values.
func Softmax(row tensor.Tensor) {
	n := row.Dims[0]
	if n == 0 {
		return
	}
	at := func(i int) float32 { return row.Data[i*row.Strides[0]] }
	set := func(i int, v float32) { row.Data[i*row.Strides[0]] = v }

	maxVal := at(0)
	for i := 1; i < n; i++ {
		if v := at(i); v > maxVal {
			maxVal = v
		}
	}

	var sum float32
	for i := 0; i < n; i++ {
		v := float32(math.Exp(float64(at(i) - maxVal)))
		set(i, v)
		sum += v
	}

	if math.IsNaN(float64(sum)) || math.IsInf(float64(sum), 0) || sum <= 0 || sum < 1e-10 {
		uniform := 1.0 / float32(n)
		for i := 0; i < n; i++ {
			set(i, uniform)
		}
		return
	}

	scale := 1.0 / sum
	if math.IsNaN(float64(scale)) || math.IsInf(float64(scale), 0) {
		uniform := 1.0 / float32(n)
		for i := 0; i < n; i++ {
			set(i, uniform)
		}
		return
	}
	for i := 0; i < n; i++ {
		set(i, at(i)*scale)
	}
}

const maskValue = -1e9

// Attention computes multi-head scaled dot-product self-attention over
// query/key/value, each a [numTokens, hidden] tensor, with hidden split
// evenly across numHeads. Positions where tokenIDs[i] == 0 (padding) are
// masked out of both the query and key roles before softmax.
func Attention(query, key, value tensor.Tensor, numHeads int, tokenIDs []uint32) (tensor.Tensor, error) {
	numTokens := query.Dims[0]
	hidden := query.Dims[1]
	if hidden%numHeads != 0 {
		return tensor.Tensor{}, fmt.Errorf("nn: attention: hidden %d not divisible by numHeads %d", hidden, numHeads)
	}
	headSize := hidden / numHeads

	qt := tensor.View(query.Data, numTokens, numHeads, headSize)
	kt := tensor.View(key.Data, numTokens, numHeads, headSize)
	vt := tensor.View(value.Data, numTokens, numHeads, headSize)

	qtT, err := tensor.Permute(qt, 0, 1) // [heads, tokens, headSize]
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: attention: permute q: %w", err)
	}
	ktT, err := tensor.Permute(kt, 0, 1) // [heads, tokens, headSize]
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: attention: permute k: %w", err)
	}
	ktFinal, err := tensor.Permute(ktT, 1, 2) // [heads, headSize, tokens]
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: attention: permute k final: %w", err)
	}
	vtT, err := tensor.Permute(vt, 0, 1) // [heads, tokens, headSize]
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: attention: permute v: %w", err)
	}

	scores, err := tensor.Bmm(qtT, ktFinal) // [heads, tokens, tokens]
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: attention: qk bmm: %w", err)
	}

	scale := float32(1.0 / math.Sqrt(float64(headSize)))
	tensor.UnaryOpInPlace(scores, tensor.Scale, scale)

	for head := 0; head < scores.Dims[0]; head++ {
		for q := 0; q < scores.Dims[1]; q++ {
			for k := 0; k < scores.Dims[2]; k++ {
				if tokenIDs[q] == 0 || tokenIDs[k] == 0 {
					idx := head*scores.Strides[0] + q*scores.Strides[1] + k*scores.Strides[2]
					scores.Data[idx] = maskValue
				}
			}
		}
	}

	for head := 0; head < scores.Dims[0]; head++ {
		headView := tensor.Slice(scores, 0, head, false) // [tokens, tokens]
		for q := 0; q < headView.Dims[0]; q++ {
			row := tensor.Slice(headView, 0, q, false) // [tokens]
			Softmax(row)
		}
	}

	attn, err := tensor.Bmm(scores, vtT) // [heads, tokens, headSize]
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: attention: av bmm: %w", err)
	}

	attnT, err := tensor.Permute(attn, 0, 1) // [tokens, heads, headSize]
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("nn: attention: permute output: %w", err)
	}

	flat := tensor.View(attnT.Data, numTokens, hidden)
	return tensor.Copy(flat), nil
}

// MeanPool averages the rows of in ([numTokens, hidden]) at positions
// where tokenIDs[i] != 0. If every token is padding, it returns a zero
// vector of length hidden.
func MeanPool(in tensor.Tensor, tokenIDs []uint32) tensor.Tensor {
	hidden := in.Dims[1]
	count := 0
	for _, id := range tokenIDs {
		if id != 0 {
			count++
		}
	}
	if count == 0 {
		return tensor.Create(hidden)
	}

	out := tensor.Create(hidden)
	for i, id := range tokenIDs {
		if id == 0 {
			continue
		}
		row := tensor.Slice(in, 0, i, false)
		tensor.BinaryOpInPlace(out, row, tensor.Add)
	}
	tensor.UnaryOpInPlace(out, tensor.Scale, 1.0/float32(count))
	return out
}

// L2Normalize scales t (expected rank 1) in place so that the flat sum of
// squares of its elements is 1: scale = 1 / (sum(x^2))^0.5.
func L2Normalize(t tensor.Tensor) {
	squared := tensor.Copy(t)
	tensor.UnaryOpInPlace(squared, tensor.Pow, 2.0)
	norm := float32(math.Pow(float64(tensor.Sum(squared)), 0.5))
	if norm == 0 {
		return
	}
	tensor.UnaryOpInPlace(t, tensor.Scale, 1.0/norm)
}
