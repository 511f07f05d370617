package cshared

import "testing"

func TestCreateReturnsErrorForMissingFiles(t *testing.T) {
	var tbl Table
	_, err := tbl.Create("/tmp/nonexistent-minilm-weights.tbf", "/tmp/nonexistent-vocab.txt")
	if err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestEmbedRejectsUnknownHandle(t *testing.T) {
	var tbl Table
	if _, err := tbl.Embed(999, "hello"); err == nil {
		t.Fatal("expected error for unknown handle")
	}
}

func TestDestroyUnknownHandleIsNoop(t *testing.T) {
	var tbl Table
	tbl.Destroy(999) // must not panic
}

func TestZeroTableHasNoHandleCounter(t *testing.T) {
	// Exercises the table's bookkeeping without a real model: a zero
	// Table has not yet set its handle counter; Create sets it to 1 on
	// first success so that no session is ever issued handle 0.
	var tbl Table
	if tbl.nextID != 0 {
		t.Fatalf("zero Table should start with nextID unset, got %d", tbl.nextID)
	}
}
