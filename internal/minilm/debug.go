package minilm

import (
	"fmt"
	"math"

	"github.com/screenager/minilm/internal/nn"
	"github.com/screenager/minilm/internal/tensor"
)

// AttentionDebugReport captures the intermediate state of layer 0's
// self-attention for one input, for manually confirming padding masking
// and softmax normalization are behaving as expected.
type AttentionDebugReport struct {
	TokenIDs          []uint32
	NumNonPadding     int
	NumPadding        int
	ScoresBeforeMask  []float32 // head 0, query 0, first 10 keys
	MaskedCount       int
	ScoresAfterMask   []float32 // head 0, query 0, first 10 keys
	SoftmaxFirst10    []float32 // head 0, query 0, first 10 keys, post-softmax
	SoftmaxSumFirst10 float32
	SoftmaxSumAll     float32
	NearZeroCount     int // softmax values < 1e-10 across the full row
}

// DebugAttention tokenizes text, pads it to MaxTokens, and runs just enough
// of layer 0's self-attention by hand to report the raw and masked
// attention scores and the resulting softmax row for head 0, query 0.
func (m *Model) DebugAttention(text string) (AttentionDebugReport, error) {
	var report AttentionDebugReport

	ids, err := m.tokenizer.Encode(text)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrUnknownSubword, err)
	}
	if len(ids) > MaxTokens {
		return report, fmt.Errorf("%w: %d tokens > %d", ErrTokenLimitExceeded, len(ids), MaxTokens)
	}
	padded := make([]uint32, MaxTokens)
	copy(padded, ids)
	report.TokenIDs = padded

	for _, id := range padded {
		if id == 0 {
			report.NumPadding++
		} else {
			report.NumNonPadding++
		}
	}

	hidden, err := m.embedderForward(padded)
	if err != nil {
		return report, err
	}

	l := m.weights.layers[0]
	q, err := nn.Linear(hidden, l.query, l.queryBias)
	if err != nil {
		return report, fmt.Errorf("%w: query projection: %v", ErrShapeMismatch, err)
	}
	k, err := nn.Linear(hidden, l.key, l.keyBias)
	if err != nil {
		return report, fmt.Errorf("%w: key projection: %v", ErrShapeMismatch, err)
	}

	headSize := HiddenSize / numHeads
	qv := tensor.View(q.Data, MaxTokens, numHeads, headSize)
	kv := tensor.View(k.Data, MaxTokens, numHeads, headSize)

	qt, err := tensor.Permute(qv, 0, 1) // [heads, tokens, headSize]
	if err != nil {
		return report, err
	}
	ktMid, err := tensor.Permute(kv, 0, 1) // [heads, tokens, headSize]
	if err != nil {
		return report, err
	}
	kt, err := tensor.Permute(ktMid, 1, 2) // [heads, headSize, tokens]
	if err != nil {
		return report, err
	}

	scores, err := tensor.Bmm(qt, kt) // [heads, tokens, tokens]
	if err != nil {
		return report, err
	}

	scale := float32(1.0 / math.Sqrt(float64(headSize)))
	tensor.UnaryOpInPlace(scores, tensor.Scale, scale)

	sampleIdx := func(key int) int {
		return 0*scores.Strides[0] + 0*scores.Strides[1] + key*scores.Strides[2]
	}
	for key := 0; key < 10 && key < scores.Dims[2]; key++ {
		report.ScoresBeforeMask = append(report.ScoresBeforeMask, scores.Data[sampleIdx(key)])
	}

	const maskValue = -1e9
	for head := 0; head < scores.Dims[0]; head++ {
		for query := 0; query < scores.Dims[1]; query++ {
			queryPad := query < len(padded) && padded[query] == 0
			for key := 0; key < scores.Dims[2]; key++ {
				keyPad := key < len(padded) && padded[key] == 0
				if queryPad || keyPad {
					idx := head*scores.Strides[0] + query*scores.Strides[1] + key*scores.Strides[2]
					if scores.Data[idx] != maskValue {
						report.MaskedCount++
					}
					scores.Data[idx] = maskValue
				}
			}
		}
	}

	for key := 0; key < 10 && key < scores.Dims[2]; key++ {
		report.ScoresAfterMask = append(report.ScoresAfterMask, scores.Data[sampleIdx(key)])
	}

	row := tensor.Slice(tensor.Slice(scores, 0, 0, false), 0, 0, false)
	nn.Softmax(row)

	for i := 0; i < 10 && i < row.Dims[0]; i++ {
		v := row.Data[i*row.Strides[0]]
		report.SoftmaxFirst10 = append(report.SoftmaxFirst10, v)
		report.SoftmaxSumFirst10 += v
	}
	for i := 0; i < row.Dims[0]; i++ {
		v := row.Data[i*row.Strides[0]]
		report.SoftmaxSumAll += v
		if v < 1e-10 {
			report.NearZeroCount++
		}
	}

	return report, nil
}
