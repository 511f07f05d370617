// Command libminilm builds the cgo-exported create/embed/destroy boundary
// (go build -buildmode=c-shared) that lets a non-Go caller drive an
// embedding session, modeled on the reference JNI layer's
// jlong-session-handle convention.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/screenager/minilm/internal/cshared"
	"github.com/screenager/minilm/internal/minilm"
)

var table cshared.Table

// minilm_create opens a session from tbfPath/vocabPath and returns its
// handle, or 0 on failure (the reference boundary's "exception already
// reported, return 0" sentinel — there is no exception channel here, so
// callers check the return value).
//
//export minilm_create
func minilm_create(tbfPath, vocabPath *C.char) C.longlong {
	id, err := table.Create(C.GoString(tbfPath), C.GoString(vocabPath))
	if err != nil {
		return 0
	}
	return C.longlong(id)
}

// minilm_embed writes 384 floats into out for the session named by
// handle. Returns 0 on success, nonzero on any failure (invalid handle,
// tokenizer/shape error, token-limit overflow). out must already be
// allocated by the caller with room for 384 float32 values.
//
//export minilm_embed
func minilm_embed(handle C.longlong, text *C.char, out *C.float) C.int {
	vec, err := table.Embed(int64(handle), C.GoString(text))
	if err != nil {
		return 1
	}
	dst := unsafe.Slice((*float32)(unsafe.Pointer(out)), minilm.HiddenSize)
	copy(dst, vec[:])
	return 0
}

// minilm_destroy releases the session named by handle.
//
//export minilm_destroy
func minilm_destroy(handle C.longlong) {
	table.Destroy(int64(handle))
}

func main() {}
