package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const modelConfigFile = "config.json"

// tokenIds accepts either a single id or a list of ids.
type tokenIds []int64

func (t *tokenIds) UnmarshalJSON(data []byte) error {
	var single int64
	if err := json.Unmarshal(data, &single); err == nil {
		*t = tokenIds{single}
		return nil
	}
	var list []int64
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("token id must be an integer or a list of integers: %w", err)
	}
	*t = list
	return nil
}

type modelConfig struct {
	Id2Label            map[string]string `json:"id2label"`
	EosTokenId          tokenIds          `json:"eos_token_id"`
	PadTokenId          *int64            `json:"pad_token_id"`
	DecoderStartTokenId *int64            `json:"decoder_start_token_id"`
	IsEncoderDecoder    bool              `json:"is_encoder_decoder"`
}

// readModelConfig reads config.json from a model directory. A missing file
// yields an empty config.
func readModelConfig(dir string) (modelConfig, error) {
	var cfg modelConfig
	data, err := os.ReadFile(filepath.Join(dir, modelConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("error reading model config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing model config: %w", err)
	}
	return cfg, nil
}

func (c modelConfig) padTokenId() int64 {
	if c.PadTokenId != nil {
		return *c.PadTokenId
	}
	if len(c.EosTokenId) > 0 {
		return c.EosTokenId[0]
	}
	return 0
}

func (c modelConfig) decoderStartTokenId() int64 {
	if c.DecoderStartTokenId != nil {
		return *c.DecoderStartTokenId
	}
	return c.padTokenId()
}

func (c modelConfig) isEos(id int64) bool {
	for _, eos := range c.EosTokenId {
		if eos == id {
			return true
		}
	}
	return false
}

// labels orders id2label by class id.
func (c modelConfig) labels() []string {
	type entry struct {
		id    int
		label string
	}
	entries := make([]entry, 0, len(c.Id2Label))
	for k, v := range c.Id2Label {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		entries = append(entries, entry{id: id, label: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	labels := make([]string, len(entries))
	for i, e := range entries {
		labels[i] = e.label
	}
	return labels
}
