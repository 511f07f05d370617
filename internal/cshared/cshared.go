// Package cshared implements the session-handle bookkeeping behind the
// cgo-exported create/embed/destroy boundary in cmd/libminilm: an int64
// handle table stands in for the JNI reference's jlong-as-pointer
// convention, since cgo callers must not hold a live Go pointer between
// calls. This package has no cgo dependency itself — cmd/libminilm wraps
// it with the actual //export declarations, which Go requires to live in
// package main for a c-shared build.
package cshared

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/screenager/minilm/internal/minilm"
)

type session struct {
	model     *minilm.Model
	sessionID uuid.UUID
}

// Table is a registry of live sessions addressed by an opaque handle.
// The zero Table is ready to use.
type Table struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*session
}

// Create opens a model from tbfPath/vocabPath and registers it, returning
// a new handle. The handle is always > 0 on success so that 0 can serve
// as the reference boundary's "failure" sentinel.
func (t *Table) Create(tbfPath, vocabPath string) (int64, error) {
	m, err := minilm.Create(tbfPath, vocabPath)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byID == nil {
		t.byID = make(map[int64]*session)
		t.nextID = 1
	}
	id := t.nextID
	t.nextID++
	t.byID[id] = &session{model: m, sessionID: uuid.New()}
	return id, nil
}

// Embed runs Model.Embed for handle.
func (t *Table) Embed(handle int64, text string) ([minilm.HiddenSize]float32, error) {
	t.mu.Lock()
	s, ok := t.byID[handle]
	t.mu.Unlock()
	if !ok {
		return [minilm.HiddenSize]float32{}, fmt.Errorf("cshared: invalid session handle %d", handle)
	}
	return s.model.Embed(text)
}

// Destroy releases handle's session. Destroying an already-removed or
// never-issued handle is a silent no-op, matching the JNI reference's
// "invalid handle, but don't throw on cleanup" behavior.
func (t *Table) Destroy(handle int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[handle]
	if !ok {
		return
	}
	s.model.Destroy()
	delete(t.byID, handle)
}
