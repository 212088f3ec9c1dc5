package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	TokenizerByte = "byte"
	TokenizerBPE  = "bpe_cl100k"

	defaultBPEEncoding = "cl100k_base"
)

// Tokenizer maps text to model ids. BOS and EOS are ids outside the text
// range.
type Tokenizer interface {
	VocabSize() int
	Encode(text string) []int
	Decode(ids []int) string
	BOS() int
	EOS() int
	Spec() TokenizerSpec
}

// TokenizerSpec is the serialized tokenizer artifact stored next to weights.
type TokenizerSpec struct {
	Mode        string `json:"mode"`
	BPEEncoding string `json:"bpe_encoding,omitempty"`
	BPETokenIDs []int  `json:"bpe_token_ids,omitempty"`
}

// NewTokenizer restores a tokenizer from its spec. An empty mode means byte.
func NewTokenizer(spec TokenizerSpec) (Tokenizer, error) {
	switch spec.Mode {
	case "", TokenizerByte:
		return ByteTokenizer{}, nil
	case TokenizerBPE:
		return newBPETokenizer(spec)
	default:
		return nil, fmt.Errorf("unknown tokenizer mode %q", spec.Mode)
	}
}

// ByteTokenizer encodes UTF-8 bytes directly: ids 0-255 are bytes, 256 is BOS
// and 257 is EOS.
type ByteTokenizer struct{}

func (ByteTokenizer) VocabSize() int { return 258 }
func (ByteTokenizer) BOS() int       { return 256 }
func (ByteTokenizer) EOS() int       { return 257 }

func (ByteTokenizer) Spec() TokenizerSpec { return TokenizerSpec{Mode: TokenizerByte} }

func (ByteTokenizer) Encode(text string) []int {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out
}

func (ByteTokenizer) Decode(ids []int) string {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			b = append(b, byte(id))
		}
	}
	return strings.ToValidUTF8(string(b), "�")
}

// BPETokenizer wraps a tiktoken encoding with a compact local vocabulary so
// the model only carries rows for ids seen in the training corpus. Unknown
// ids map to UNK.
type BPETokenizer struct {
	enc        *tiktoken.Tiktoken
	encoding   string
	localToBPE []int
	bpeToLocal map[int]int
}

func newBPETokenizer(spec TokenizerSpec) (*BPETokenizer, error) {
	if len(spec.BPETokenIDs) == 0 {
		return nil, errors.New("bpe tokenizer has an empty vocabulary")
	}
	name := strings.TrimSpace(spec.BPEEncoding)
	if name == "" {
		name = defaultBPEEncoding
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", name, err)
	}
	t := &BPETokenizer{
		enc:        enc,
		encoding:   name,
		localToBPE: slices.Clone(spec.BPETokenIDs),
		bpeToLocal: make(map[int]int, len(spec.BPETokenIDs)),
	}
	for i, id := range t.localToBPE {
		t.bpeToLocal[id] = i
	}
	return t, nil
}

// BuildBPESpec collects the distinct BPE ids used by corpus.
func BuildBPESpec(encoding string, corpus []string) (TokenizerSpec, error) {
	if encoding == "" {
		encoding = defaultBPEEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return TokenizerSpec{}, fmt.Errorf("load %s encoding: %w", encoding, err)
	}
	seen := make(map[int]struct{})
	for _, doc := range corpus {
		for _, id := range enc.EncodeOrdinary(doc) {
			seen[id] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return TokenizerSpec{Mode: TokenizerBPE, BPEEncoding: encoding, BPETokenIDs: ids}, nil
}

func (t *BPETokenizer) unk() int       { return len(t.localToBPE) }
func (t *BPETokenizer) BOS() int       { return len(t.localToBPE) + 1 }
func (t *BPETokenizer) EOS() int       { return len(t.localToBPE) + 2 }
func (t *BPETokenizer) VocabSize() int { return len(t.localToBPE) + 3 }

func (t *BPETokenizer) Spec() TokenizerSpec {
	return TokenizerSpec{Mode: TokenizerBPE, BPEEncoding: t.encoding, BPETokenIDs: slices.Clone(t.localToBPE)}
}

func (t *BPETokenizer) Encode(text string) []int {
	raw := t.enc.EncodeOrdinary(text)
	out := make([]int, len(raw))
	for i, id := range raw {
		if local, ok := t.bpeToLocal[id]; ok {
			out[i] = local
		} else {
			out[i] = t.unk()
		}
	}
	return out
}

func (t *BPETokenizer) Decode(ids []int) string {
	raw := make([]int, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < len(t.localToBPE) {
			raw = append(raw, t.localToBPE[id])
		}
	}
	return t.enc.Decode(raw)
}
