// Package minilm implements the forward pass of a six-layer, twelve-head
// BERT-family encoder and exposes it as a create/embed/destroy session,
// producing 384-dimensional unit-norm sentence embeddings from arbitrary
// English text.
package minilm

import (
	"errors"
	"fmt"

	"github.com/screenager/minilm/internal/nn"
	"github.com/screenager/minilm/internal/tbf"
	"github.com/screenager/minilm/internal/tensor"
	"github.com/screenager/minilm/internal/wordpiece"
)

// MaxTokens is the fixed post-padding sequence length the encoder accepts.
const MaxTokens = wordpiece.SeqLen

// HiddenSize is the model's hidden dimension; Embed's output always has
// this length.
const HiddenSize = 384

// Model owns loaded weights and a tokenizer. It is read-only after
// Create returns, so a single Model may be shared by embed calls issued
// serially; concurrent calls from multiple goroutines require external
// synchronization, matching the single-threaded, synchronous scheduling
// model this engine was designed around.
type Model struct {
	weights   *weights
	tokenizer *wordpiece.Tokenizer
}

// Create opens tbfPath as a TBF1 weight container and vocabPath as a
// WordPiece vocabulary file, returning a ready-to-use Model. Both files
// are fully read and validated before Create returns; neither is held
// open afterward.
func Create(tbfPath, vocabPath string) (*Model, error) {
	container, err := tbf.Open(tbfPath)
	if err != nil {
		if errors.Is(err, tbf.ErrMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWeights, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	defer container.Close()

	w, err := loadWeights(container)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWeights, err)
	}

	tok, err := wordpiece.Load(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	return &Model{weights: w, tokenizer: tok}, nil
}

// Destroy releases any resources the Model holds. It is not safe to call
// Embed on a Model after Destroy, and Destroy must not be called twice.
func (m *Model) Destroy() {
	m.weights = nil
	m.tokenizer = nil
}

// Embed tokenizes text, pads it to MaxTokens, runs the six-layer encoder
// forward pass, mean-pools the non-padding positions, and L2-normalizes
// the result. It returns ErrTokenLimitExceeded if text tokenizes (before
// padding) to more than MaxTokens tokens, and ErrUnknownSubword if any
// word contains bytes the vocabulary cannot match.
func (m *Model) Embed(text string) ([HiddenSize]float32, error) {
	var out [HiddenSize]float32

	ids, err := m.tokenizer.Encode(text)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrUnknownSubword, err)
	}
	if len(ids) > MaxTokens {
		return out, fmt.Errorf("%w: %d tokens > %d", ErrTokenLimitExceeded, len(ids), MaxTokens)
	}
	padded := make([]uint32, MaxTokens)
	copy(padded, ids)

	pooled, err := m.forward(padded)
	if err != nil {
		return out, err
	}
	copy(out[:], pooled.Data)
	return out, nil
}

// EncodeForBenchmark runs only the tokenization step, returning the
// padded token IDs. It exists so callers measuring phase-by-phase timing
// (see internal/embed's BenchmarkSingle) can isolate tokenization from
// the forward pass without duplicating Embed's internals.
func (m *Model) EncodeForBenchmark(text string) ([]uint32, error) {
	ids, err := m.tokenizer.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSubword, err)
	}
	if len(ids) > MaxTokens {
		return nil, fmt.Errorf("%w: %d tokens > %d", ErrTokenLimitExceeded, len(ids), MaxTokens)
	}
	padded := make([]uint32, MaxTokens)
	copy(padded, ids)
	return padded, nil
}

func (m *Model) embedderForward(ids []uint32) (tensor.Tensor, error) {
	numTokens := len(ids)
	wordOut := nn.EmbeddingLookup(ids, m.weights.embeddings.word)

	posIDs := make([]uint32, numTokens)
	for i := range posIDs {
		posIDs[i] = uint32(i)
	}
	posOut := nn.EmbeddingLookup(posIDs, m.weights.embeddings.pos)

	typeIDs := make([]uint32, numTokens)
	typeOut := nn.EmbeddingLookup(typeIDs, m.weights.embeddings.typ)

	tensor.BinaryOpInPlace(wordOut, posOut, tensor.Add)
	tensor.BinaryOpInPlace(wordOut, typeOut, tensor.Add)

	normed, err := nn.LayerNorm(wordOut, m.weights.embeddings.lnGamma, m.weights.embeddings.lnBeta)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: embedder layer norm: %v", ErrShapeMismatch, err)
	}
	return normed, nil
}

func outputForward(hiddenStates, inputTensor tensor.Tensor, p outputLayer) (tensor.Tensor, error) {
	projected, err := nn.Linear(hiddenStates, p.weight, p.bias)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: output linear: %v", ErrShapeMismatch, err)
	}
	tensor.BinaryOpInPlace(projected, inputTensor, tensor.Add)
	normed, err := nn.LayerNorm(projected, p.lnGamma, p.lnBeta)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: output layer norm: %v", ErrShapeMismatch, err)
	}
	return normed, nil
}

func encoderLayerForward(in tensor.Tensor, l layerWeights, ids []uint32) (tensor.Tensor, error) {
	q, err := nn.Linear(in, l.query, l.queryBias)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: query projection: %v", ErrShapeMismatch, err)
	}
	k, err := nn.Linear(in, l.key, l.keyBias)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: key projection: %v", ErrShapeMismatch, err)
	}
	v, err := nn.Linear(in, l.value, l.valueBias)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: value projection: %v", ErrShapeMismatch, err)
	}

	selfOut, err := nn.Attention(q, k, v, numHeads, ids)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: self-attention: %v", ErrShapeMismatch, err)
	}

	attnOut, err := outputForward(selfOut, in, l.output)
	if err != nil {
		return tensor.Tensor{}, err
	}

	intermediate, err := nn.Linear(attnOut, l.interWeight, l.interBias)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: intermediate projection: %v", ErrShapeMismatch, err)
	}
	tensor.UnaryOpInPlace(intermediate, tensor.Gelu, 0)

	return outputForward(intermediate, attnOut, l.output2)
}

func (m *Model) forward(ids []uint32) (tensor.Tensor, error) {
	hidden, err := m.embedderForward(ids)
	if err != nil {
		return tensor.Tensor{}, err
	}

	for i := 0; i < numLayers; i++ {
		hidden, err = encoderLayerForward(hidden, m.weights.layers[i], ids)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	pooled := nn.MeanPool(hidden, ids)
	nn.L2Normalize(pooled)
	return pooled, nil
}
