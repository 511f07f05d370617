// Package wordpiece implements the WordPiece subword tokenizer: a
// whitespace split followed by greedy longest-prefix matching against a
// vocabulary trie, falling back to "##"-continuation matching for the
// remainder of each word. There is no [UNK] fallback — an unmatched
// prefix is a hard error, per this tokenizer's design (see ErrUnknownSubword).
package wordpiece

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/screenager/minilm/internal/trie"
)

// Well-known special-token IDs, fixed by the vocabulary file's line
// ordering (see Load).
const (
	PadID uint32 = 0
	UnkID uint32 = 100
	ClsID uint32 = 101
	SepID uint32 = 102
)

// SeqLen is the fixed post-padding sequence length the model accepts.
const SeqLen = 256

// ErrUnknownSubword is returned when no trie match — neither a full-word
// prefix nor a "##"-continuation — consumes a word's leading bytes.
var ErrUnknownSubword = errors.New("wordpiece: unknown subword")

// ErrTokenLimitExceeded is returned when a string's token count (including
// [CLS]/[SEP]) exceeds SeqLen before padding.
var ErrTokenLimitExceeded = errors.New("wordpiece: token limit exceeded")

// Tokenizer owns a single trie built from a vocabulary file, plus a cached
// pointer to the "##" continuation subtree.
type Tokenizer struct {
	root         *trie.Node
	continuation *trie.Node
}

// Load reads a vocabulary file: one token per line, trailing whitespace
// stripped, line index (0-based) is the token's vocabulary ID. Lines
// beginning with '[' are treated as special tokens: they are not inserted
// into the trie, but the line counter still advances so that canonical
// IDs ([PAD]=0, [UNK]=100, [CLS]=101, [SEP]=102) fall where the vocab file
// places them.
func Load(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wordpiece: open vocab %s: %w", path, err)
	}
	defer f.Close()
	return LoadFrom(f)
}

// LoadFrom reads a vocabulary from an arbitrary reader — split out from
// Load so tests can build a Tokenizer from an in-memory vocabulary.
func LoadFrom(r io.Reader) (*Tokenizer, error) {
	root := trie.New()

	scanner := bufio.NewScanner(r)
	id := uint32(0)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \r\n\t")
		if len(line) == 0 {
			id++
			continue
		}
		if line[0] != '[' {
			trie.Insert(root, []byte(line), id)
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("wordpiece: read vocab: %w", err)
	}

	continuation := trie.FindChild(trie.FindChild(root, '#'), '#')
	if continuation == nil {
		return nil, fmt.Errorf("wordpiece: vocabulary has no \"##\" continuation entries")
	}

	return &Tokenizer{root: root, continuation: continuation}, nil
}

// Encode tokenizes text into a sequence of vocabulary IDs: [CLS], then for
// each whitespace-delimited word a greedy longest match from the trie
// root followed (if bytes remain) by a greedy longest match from the
// "##" continuation subtree, then [SEP]. No lowercasing or normalization
// is performed — callers own casing decisions.
func (t *Tokenizer) Encode(text string) ([]uint32, error) {
	ids := make([]uint32, 0, 32)
	ids = append(ids, ClsID)

	for _, part := range strings.Split(text, " ") {
		if part == "" {
			continue
		}
		b := []byte(part)

		node, matched := trie.Longest(t.root, b)
		if matched == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSubword, part)
		}
		ids = append(ids, node.Value())

		remaining := b[matched:]
		if len(remaining) == 0 {
			continue
		}

		contNode, contMatched := trie.Longest(t.continuation, remaining)
		if contMatched == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSubword, part)
		}
		ids = append(ids, contNode.Value())
		// Any further remainder after a single continuation match is not
		// re-attempted: the reference tokenizer this package mirrors only
		// ever takes one continuation step per word.
	}

	ids = append(ids, SepID)
	return ids, nil
}

// EncodePadded calls Encode and pads the result with PadID up to SeqLen.
// It fails with ErrTokenLimitExceeded if the pre-pad token count exceeds
// SeqLen — longer inputs are never silently truncated.
func (t *Tokenizer) EncodePadded(text string) ([]uint32, error) {
	ids, err := t.Encode(text)
	if err != nil {
		return nil, err
	}
	if len(ids) > SeqLen {
		return nil, fmt.Errorf("%w: %d tokens > %d", ErrTokenLimitExceeded, len(ids), SeqLen)
	}
	padded := make([]uint32, SeqLen)
	copy(padded, ids)
	return padded, nil
}
