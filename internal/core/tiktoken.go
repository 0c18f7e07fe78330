package core

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

const defaultTiktokenEncoding = "cl100k_base"

// TiktokenTokenizer is used with remote endpoint models. Encode truncates the
// texts themselves so prompts fit the model's context.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func LoadTiktoken(model string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Info("no tiktoken encoding for model, using default", "model", model, "encoding", defaultTiktokenEncoding)
		enc, err = tiktoken.GetEncoding(defaultTiktokenEncoding)
		if err != nil {
			return nil, fmt.Errorf("error loading tiktoken encoding: %w", err)
		}
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Encode(texts []string, opts EncodeOptions) (*Batch, error) {
	batch := &Batch{
		Texts:         make([]string, len(texts)),
		InputIDs:      make([][]int64, len(texts)),
		AttentionMask: make([][]int64, len(texts)),
	}
	for i, text := range texts {
		ids := t.enc.Encode(text, nil, nil)
		if opts.MaxLength > 0 && len(ids) > opts.MaxLength {
			ids = ids[:opts.MaxLength]
			text = t.enc.Decode(ids)
		}
		batch.Texts[i] = text
		batch.InputIDs[i] = make([]int64, len(ids))
		batch.AttentionMask[i] = make([]int64, len(ids))
		for j, id := range ids {
			batch.InputIDs[i][j] = int64(id)
			batch.AttentionMask[i][j] = 1
		}
	}
	padBatch(batch)
	return batch, nil
}

func (t *TiktokenTokenizer) Decode(ids []int64, _ bool) (string, error) {
	tokens := make([]int, 0, len(ids))
	for i, id := range ids {
		if id < 0 {
			continue
		}
		tokens = append(tokens, int(ids[i]))
	}
	return t.enc.Decode(tokens), nil
}

func (t *TiktokenTokenizer) Close() error {
	return nil
}
