package core

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

type EncodeOptions struct {
	// MaxLength truncates every sequence; 0 disables truncation.
	MaxLength        int
	AddSpecialTokens bool
}

// Batch holds the tokenized form of a group of inputs, right padded to the
// longest sequence.
type Batch struct {
	Texts         []string
	InputIDs      [][]int64
	AttentionMask [][]int64
	TypeIDs       [][]int64
	// Offsets are the byte spans of each token in its text; special and pad tokens are [0, 0].
	Offsets [][][2]int
	PadID   int64
}

func (b *Batch) Size() int {
	return len(b.Texts)
}

func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

type Tokenizer interface {
	Encode(texts []string, opts EncodeOptions) (*Batch, error)
	Decode(ids []int64, skipSpecial bool) (string, error)
	Close() error
}

const tokenizerFile = "tokenizer.json"

// HFTokenizer wraps a tokenizer.json file through the Rust tokenizers library.
type HFTokenizer struct {
	tk    *tokenizers.Tokenizer
	padID int64
}

func LoadHFTokenizer(dir string) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(filepath.Join(dir, tokenizerFile))
	if err != nil {
		return nil, fmt.Errorf("error loading tokenizer from %s: %w", dir, err)
	}

	cfg, err := readModelConfig(dir)
	if err != nil {
		tk.Close()
		return nil, err
	}

	return &HFTokenizer{tk: tk, padID: cfg.padTokenId()}, nil
}

func (t *HFTokenizer) Encode(texts []string, opts EncodeOptions) (*Batch, error) {
	batch := &Batch{
		Texts:         texts,
		InputIDs:      make([][]int64, len(texts)),
		AttentionMask: make([][]int64, len(texts)),
		TypeIDs:       make([][]int64, len(texts)),
		Offsets:       make([][][2]int, len(texts)),
		PadID:         t.padID,
	}

	for i, text := range texts {
		enc := t.tk.EncodeWithOptions(text, opts.AddSpecialTokens, tokenizers.WithReturnAllAttributes())
		n := len(enc.IDs)
		if opts.MaxLength > 0 && n > opts.MaxLength {
			n = opts.MaxLength
		}
		batch.InputIDs[i] = toInt64(enc.IDs[:n])
		batch.TypeIDs[i] = make([]int64, n)
		if len(enc.TypeIDs) >= n {
			batch.TypeIDs[i] = toInt64(enc.TypeIDs[:n])
		}
		batch.AttentionMask[i] = make([]int64, n)
		for j := range batch.AttentionMask[i] {
			batch.AttentionMask[i][j] = 1
		}
		batch.Offsets[i] = make([][2]int, n)
		for j := 0; j < n && j < len(enc.Offsets); j++ {
			batch.Offsets[i][j] = [2]int{int(enc.Offsets[j][0]), int(enc.Offsets[j][1])}
		}
	}

	padBatch(batch)
	return batch, nil
}

func (t *HFTokenizer) Decode(ids []int64, skipSpecial bool) (string, error) {
	uids := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id < 0 {
			continue
		}
		uids = append(uids, uint32(id))
	}
	return t.tk.Decode(uids, skipSpecial), nil
}

func (t *HFTokenizer) Close() error {
	return t.tk.Close()
}

// padBatch right pads every row to the longest sequence in the batch.
func padBatch(b *Batch) {
	longest := 0
	for _, ids := range b.InputIDs {
		longest = max(longest, len(ids))
	}
	for i := range b.InputIDs {
		for len(b.InputIDs[i]) < longest {
			b.InputIDs[i] = append(b.InputIDs[i], b.PadID)
			b.AttentionMask[i] = append(b.AttentionMask[i], 0)
			if b.TypeIDs != nil {
				b.TypeIDs[i] = append(b.TypeIDs[i], 0)
			}
			if b.Offsets != nil {
				b.Offsets[i] = append(b.Offsets[i], [2]int{})
			}
		}
	}
}

func toInt64(ids []uint32) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

var errNoTokenIds = errors.New("tokenizer does not produce token ids")

// PassthroughTokenizer leaves texts untouched; used when the model runtime
// tokenizes internally.
type PassthroughTokenizer struct{}

func (PassthroughTokenizer) Encode(texts []string, _ EncodeOptions) (*Batch, error) {
	return &Batch{Texts: texts}, nil
}

func (PassthroughTokenizer) Decode([]int64, bool) (string, error) {
	return "", errNoTokenIds
}

func (PassthroughTokenizer) Close() error {
	return nil
}
