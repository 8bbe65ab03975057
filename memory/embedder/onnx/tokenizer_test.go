package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = map[string]int{
	"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3,
	"rotate": 10, "the": 11, "key": 12, "##s": 13, "un": 14, "##lock": 15,
}

func TestTokenizeWordPiece(t *testing.T) {
	tok := NewTokenizer(testVocab)
	assert.Equal(t, []int64{10, 11, 12, 13}, tok.Tokenize("Rotate the keys."))
	assert.Equal(t, []int64{14, 15}, tok.Tokenize("unlock"))
	// "zz" has no pieces: one [UNK] per unmatched byte
	assert.Equal(t, []int64{1, 1}, tok.Tokenize("zz"))
	assert.Empty(t, tok.Tokenize("  ... "))
}

func TestEncodeFramesAndTruncates(t *testing.T) {
	tok := NewTokenizer(testVocab)

	ids, mask := tok.Encode("rotate keys", 8)
	assert.Equal(t, []int64{2, 10, 12, 13, 3, 0, 0, 0}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 0, 0, 0}, mask)

	ids, mask = tok.Encode("the the the the the", 4)
	assert.Equal(t, []int64{2, 11, 11, 3}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1}, mask)
}

func TestSpecialTokenFallback(t *testing.T) {
	tok := NewTokenizer(map[string]int{"a": 5})
	ids, _ := tok.Encode("a b", 5)
	assert.Equal(t, []int64{101, 5, 100, 102, 0}, ids)
}

func TestLoadTokenizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model":{"vocab":{"[CLS]":7,"[SEP]":8,"hi":9}}}`), 0o600))

	tok, err := LoadTokenizer(path)
	require.NoError(t, err)
	ids, _ := tok.Encode("hi", 3)
	assert.Equal(t, []int64{7, 9, 8}, ids)

	require.NoError(t, os.WriteFile(path, []byte(`{"model":{}}`), 0o600))
	_, err = LoadTokenizer(path)
	assert.Error(t, err)
}

func TestMeanPoolAndNormalize(t *testing.T) {
	hidden := []float32{
		1, 2,
		3, 4,
		100, 100, // masked out
	}
	got := meanPool(hidden, []int64{1, 1, 0}, 2)
	assert.Equal(t, []float32{2, 3}, got)

	v := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, normalize([]float32{0, 0}))
}
