package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Dump writes a self-describing serialization of t to w: rank, dims,
// element count, strides, then the raw data — used by tests to snapshot
// reference tensors, mirroring the original C tensor_dump/tensor_load
// pair.
func Dump(w io.Writer, t Tensor) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(t.Rank())); err != nil {
		return fmt.Errorf("tensor: dump: rank: %w", err)
	}
	for _, d := range t.Dims {
		if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
			return fmt.Errorf("tensor: dump: dims: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(t.Numel())); err != nil {
		return fmt.Errorf("tensor: dump: numel: %w", err)
	}
	for _, s := range t.Strides {
		if err := binary.Write(w, binary.LittleEndian, uint64(s)); err != nil {
			return fmt.Errorf("tensor: dump: strides: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, t.Data); err != nil {
		return fmt.Errorf("tensor: dump: data: %w", err)
	}
	return nil
}

// Load reads a tensor previously written by Dump.
func Load(r io.Reader) (Tensor, error) {
	var rank uint8
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return Tensor{}, fmt.Errorf("tensor: load: rank: %w", err)
	}
	dims := make([]int, rank)
	for i := range dims {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return Tensor{}, fmt.Errorf("tensor: load: dims: %w", err)
		}
		dims[i] = int(d)
	}
	var numel uint64
	if err := binary.Read(r, binary.LittleEndian, &numel); err != nil {
		return Tensor{}, fmt.Errorf("tensor: load: numel: %w", err)
	}
	strides := make([]uint64, rank)
	if err := binary.Read(r, binary.LittleEndian, strides); err != nil {
		return Tensor{}, fmt.Errorf("tensor: load: strides: %w", err)
	}

	out := Create(dims...)
	if err := binary.Read(r, binary.LittleEndian, out.Data); err != nil {
		return Tensor{}, fmt.Errorf("tensor: load: data: %w", err)
	}
	return out, nil
}
