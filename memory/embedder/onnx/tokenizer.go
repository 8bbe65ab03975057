// Package onnx embeds text locally with a BERT-style sentence model run by
// ONNX Runtime. The runtime-backed embedder needs the onnx build tag; the
// tokenizer and pooling helpers build without it.
package onnx

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
)

// DefaultSequenceLength is the standard sequence length for MiniLM.
const DefaultSequenceLength = 128

// BERTTokenizer handles BERT-style WordPiece tokenization.
type BERTTokenizer struct {
	vocab    map[string]int
	clsToken int
	sepToken int
	unkToken int
}

// NewTokenizer builds a tokenizer over vocab. Special token ids are looked up
// in vocab, falling back to the bert-base-uncased ids.
func NewTokenizer(vocab map[string]int) *BERTTokenizer {
	lookup := func(tok string, def int) int {
		if id, ok := vocab[tok]; ok {
			return id
		}
		return def
	}
	return &BERTTokenizer{
		vocab:    vocab,
		clsToken: lookup("[CLS]", 101),
		sepToken: lookup("[SEP]", 102),
		unkToken: lookup("[UNK]", 100),
	}
}

// LoadTokenizer loads the vocabulary from a HuggingFace tokenizer.json file.
func LoadTokenizer(path string) (*BERTTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tokenizerData struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tokenizerData); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(tokenizerData.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has no vocabulary", path)
	}
	return NewTokenizer(tokenizerData.Model.Vocab), nil
}

// Tokenize converts text to token IDs using BERT WordPiece tokenization.
func (t *BERTTokenizer) Tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range strings.Fields(strings.ToLower(text)) { // BERT uses lowercase
		// Remove punctuation for simplicity
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		for _, subword := range t.wordPieceTokenize(word) {
			if id, ok := t.vocab[subword]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, int64(t.unkToken))
			}
		}
	}
	return tokens
}

// Encode frames the tokens of text as [CLS] tokens [SEP], truncated and
// zero-padded to seqLen, and returns the ids with their attention mask.
func (t *BERTTokenizer) Encode(text string, seqLen int) (ids, mask []int64) {
	ids = make([]int64, seqLen)
	mask = make([]int64, seqLen)

	tokens := t.Tokenize(text)
	if len(tokens) > seqLen-2 { // Reserve space for [CLS] and [SEP]
		tokens = tokens[:seqLen-2]
	}
	ids[0], mask[0] = int64(t.clsToken), 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = int64(t.sepToken), 1
	return ids, mask
}

// wordPieceTokenize greedily splits word into the longest vocabulary pieces.
func (t *BERTTokenizer) wordPieceTokenize(word string) []string {
	var subwords []string
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			substr := word[start:end]
			if start > 0 {
				substr = "##" + substr // WordPiece continuation prefix
			}
			if _, ok := t.vocab[substr]; ok {
				subwords = append(subwords, substr)
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			subwords = append(subwords, "[UNK]")
			start++
		}
	}
	return subwords
}

// meanPool averages the hidden states of attended tokens. hidden is laid out
// [seqLen, dims].
func meanPool(hidden []float32, mask []int64, dims int) []float32 {
	out := make([]float32, dims)
	var attended float32
	for i, m := range mask {
		if m == 0 {
			continue
		}
		attended++
		row := hidden[i*dims : (i+1)*dims]
		for j, v := range row {
			out[j] += v
		}
	}
	if attended == 0 {
		return out
	}
	for j := range out {
		out[j] /= attended
	}
	return out
}

// normalize scales vec to unit length in place.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) * inv)
	}
	return vec
}
