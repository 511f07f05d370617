// Package tbf reads the "TBF1" tensor container format: a little-endian
// file holding a named set of tensors, each described by a small fixed
// header pointing at a byte range later in the file.
package tbf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/screenager/minilm/internal/tensor"
)

const magic = "TBF1"

// Dtype identifies the on-disk element type of a tensor payload. Only
// F32 can be computed on directly; other dtypes may be present in a file
// but this reader does not cast them.
type Dtype uint8

const (
	F32 Dtype = 1
	F16 Dtype = 2
	F64 Dtype = 3
	I64 Dtype = 4
	I32 Dtype = 5
	U8  Dtype = 6
)

// ErrMalformed is wrapped by any error arising from a truncated header,
// bad magic, or a dimension count outside 1..4.
var ErrMalformed = errors.New("tbf: malformed container")

// entry is a parsed tensor header plus its byte range in the file.
type entry struct {
	dtype  Dtype
	dims   []int
	offset uint64
	nbytes uint64
}

// Container is an open TBF1 file. Tensor payloads are read lazily on
// Get, not eagerly at Open time.
type Container struct {
	f       *os.File
	entries map[string]entry
}

// Open reads and validates every header in path, leaving the file open for
// subsequent Get calls.
func Open(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tbf: open %s: %w", path, err)
	}

	c := &Container{f: f, entries: make(map[string]entry)}
	if err := c.readHeaders(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) readHeaders() error {
	var gotMagic [4]byte
	if _, err := io.ReadFull(c.f, gotMagic[:]); err != nil {
		return fmt.Errorf("%w: magic: %v", ErrMalformed, err)
	}
	if string(gotMagic[:]) != magic {
		return fmt.Errorf("%w: bad magic %q", ErrMalformed, gotMagic)
	}

	var count uint64
	if err := binary.Read(c.f, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: count: %v", ErrMalformed, err)
	}

	for i := uint64(0); i < count; i++ {
		name, e, err := c.readOneHeader()
		if err != nil {
			return fmt.Errorf("%w: tensor %d: %v", ErrMalformed, i, err)
		}
		c.entries[name] = e
	}
	return nil
}

func (c *Container) readOneHeader() (string, entry, error) {
	var nameLen uint16
	if err := binary.Read(c.f, binary.LittleEndian, &nameLen); err != nil {
		return "", entry{}, err
	}
	if nameLen > 127 {
		return "", entry{}, fmt.Errorf("name_len %d exceeds 127", nameLen)
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(c.f, nameBytes); err != nil {
		return "", entry{}, err
	}

	var dtype uint8
	if err := binary.Read(c.f, binary.LittleEndian, &dtype); err != nil {
		return "", entry{}, err
	}

	var ndim uint8
	if err := binary.Read(c.f, binary.LittleEndian, &ndim); err != nil {
		return "", entry{}, err
	}
	if ndim < 1 || ndim > tensor.MaxDim {
		return "", entry{}, fmt.Errorf("ndim %d out of range 1..%d", ndim, tensor.MaxDim)
	}

	dims := make([]int, ndim)
	for i := range dims {
		var d uint32
		if err := binary.Read(c.f, binary.LittleEndian, &d); err != nil {
			return "", entry{}, err
		}
		dims[i] = int(d)
	}

	var offset, nbytes uint64
	if err := binary.Read(c.f, binary.LittleEndian, &offset); err != nil {
		return "", entry{}, err
	}
	if err := binary.Read(c.f, binary.LittleEndian, &nbytes); err != nil {
		return "", entry{}, err
	}

	return string(nameBytes), entry{dtype: Dtype(dtype), dims: dims, offset: offset, nbytes: nbytes}, nil
}

// Get reads and returns the tensor named name. It seeks to the tensor's
// recorded offset, reads its payload, then restores the file position so
// that a sequence of Gets never corrupts header-scan state (Open has
// already consumed all headers, but this mirrors the reference
// container's seek-read-restore discipline for forward compatibility with
// interleaved reads).
func (c *Container) Get(name string) (tensor.Tensor, error) {
	e, ok := c.entries[name]
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("tbf: no such tensor %q", name)
	}
	if e.dtype != F32 {
		return tensor.Tensor{}, fmt.Errorf("tbf: tensor %q has non-f32 dtype %d, cannot compute", name, e.dtype)
	}

	saved, err := c.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("tbf: seek current: %w", err)
	}
	defer c.f.Seek(saved, io.SeekStart)

	if _, err := c.f.Seek(int64(e.offset), io.SeekStart); err != nil {
		return tensor.Tensor{}, fmt.Errorf("tbf: seek tensor %q: %w", name, err)
	}

	out := tensor.Create(e.dims...)
	wantBytes := uint64(out.Numel()) * 4
	if e.nbytes != wantBytes {
		return tensor.Tensor{}, fmt.Errorf("%w: tensor %q declares %d bytes, dims imply %d", ErrMalformed, name, e.nbytes, wantBytes)
	}
	if err := binary.Read(c.f, binary.LittleEndian, out.Data); err != nil {
		return tensor.Tensor{}, fmt.Errorf("tbf: read tensor %q payload: %w", name, err)
	}
	return out, nil
}

// Has reports whether name is present in the container.
func (c *Container) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// Close releases the underlying file handle.
func (c *Container) Close() error {
	return c.f.Close()
}
