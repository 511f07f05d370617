package minilm

import (
	"fmt"

	"github.com/screenager/minilm/internal/tbf"
	"github.com/screenager/minilm/internal/tensor"
)

const (
	numLayers = 6
	numHeads  = 12
)

// outputLayer bundles a dense projection followed by a layer norm — the
// shape shared by both the attention output block and the feed-forward
// output block of an encoder layer.
type outputLayer struct {
	weight  tensor.Tensor
	bias    tensor.Tensor
	lnGamma tensor.Tensor
	lnBeta  tensor.Tensor
}

type layerWeights struct {
	query      tensor.Tensor
	queryBias  tensor.Tensor
	key        tensor.Tensor
	keyBias    tensor.Tensor
	value      tensor.Tensor
	valueBias  tensor.Tensor
	output     outputLayer
	interWeight tensor.Tensor
	interBias   tensor.Tensor
	output2     outputLayer
}

type embeddingWeights struct {
	word    tensor.Tensor
	pos     tensor.Tensor
	typ     tensor.Tensor
	lnGamma tensor.Tensor
	lnBeta  tensor.Tensor
}

type weights struct {
	embeddings embeddingWeights
	layers     [numLayers]layerWeights
}

func getTensor(c *tbf.Container, name string) (tensor.Tensor, error) {
	t, err := c.Get(name)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("minilm: %w", err)
	}
	return t, nil
}

func loadWeights(c *tbf.Container) (*weights, error) {
	w := &weights{}

	var err error
	if w.embeddings.word, err = getTensor(c, "embeddings.word_embeddings.weight"); err != nil {
		return nil, err
	}
	if w.embeddings.typ, err = getTensor(c, "embeddings.token_type_embeddings.weight"); err != nil {
		return nil, err
	}
	if w.embeddings.pos, err = getTensor(c, "embeddings.position_embeddings.weight"); err != nil {
		return nil, err
	}
	if w.embeddings.lnGamma, err = getTensor(c, "embeddings.LayerNorm.weight"); err != nil {
		return nil, err
	}
	if w.embeddings.lnBeta, err = getTensor(c, "embeddings.LayerNorm.bias"); err != nil {
		return nil, err
	}

	for i := 0; i < numLayers; i++ {
		l := &w.layers[i]
		prefix := fmt.Sprintf("encoder.layer.%d.", i)

		for _, f := range []struct {
			name string
			dst  *tensor.Tensor
		}{
			{prefix + "attention.self.query.weight", &l.query},
			{prefix + "attention.self.query.bias", &l.queryBias},
			{prefix + "attention.self.key.weight", &l.key},
			{prefix + "attention.self.key.bias", &l.keyBias},
			{prefix + "attention.self.value.weight", &l.value},
			{prefix + "attention.self.value.bias", &l.valueBias},
			{prefix + "attention.output.dense.weight", &l.output.weight},
			{prefix + "attention.output.dense.bias", &l.output.bias},
			{prefix + "attention.output.LayerNorm.weight", &l.output.lnGamma},
			{prefix + "attention.output.LayerNorm.bias", &l.output.lnBeta},
			{prefix + "intermediate.dense.weight", &l.interWeight},
			{prefix + "intermediate.dense.bias", &l.interBias},
			{prefix + "output.dense.weight", &l.output2.weight},
			{prefix + "output.dense.bias", &l.output2.bias},
			{prefix + "output.LayerNorm.weight", &l.output2.lnGamma},
			{prefix + "output.LayerNorm.bias", &l.output2.lnBeta},
		} {
			t, err := getTensor(c, f.name)
			if err != nil {
				return nil, err
			}
			*f.dst = t
		}
	}

	return w, nil
}
