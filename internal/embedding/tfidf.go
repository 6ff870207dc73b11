package embedding

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/nilcroak/memoryd/internal/logging"
)

// =============================================================================
// TF-IDF FALLBACK EMBEDDING ENGINE
// =============================================================================

// tfidfMaxVocab caps the vocabulary size so the resulting vectors stay
// bounded in dimensionality as the corpus grows.
const tfidfMaxVocab = 4096

// TFIDFEngine is a stdlib-only embedding backend used when no neural
// provider (Ollama or GenAI) is configured or reachable. It builds a
// vocabulary and document-frequency table from every text it sees and
// emits term-frequency/inverse-document-frequency vectors as wide as
// that vocabulary is at the time of the call. Similarity is still computed via cosine
// similarity, so it slots into the same recall pipeline as a neural
// engine, just with lower recall quality for texts it has never seen.
type TFIDFEngine struct {
	mu       sync.Mutex
	vocab    map[string]int // term -> column index
	docFreq  map[string]int // term -> number of docs containing it
	docCount int
}

// NewTFIDFEngine creates an empty TF-IDF engine. Its vocabulary grows
// as texts are embedded; dimensionality therefore increases over the
// life of the process until it saturates at tfidfMaxVocab.
func NewTFIDFEngine() *TFIDFEngine {
	return &TFIDFEngine{
		vocab:   make(map[string]int),
		docFreq: make(map[string]int),
	}
}

func tfidfTokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	return fields
}

// observe folds a document into the vocabulary/document-frequency
// tables and returns its term counts. Must be called with mu held.
func (e *TFIDFEngine) observe(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}

	e.docCount++
	for t := range counts {
		if _, ok := e.vocab[t]; !ok {
			if len(e.vocab) >= tfidfMaxVocab {
				continue
			}
			e.vocab[t] = len(e.vocab)
		}
		e.docFreq[t]++
	}

	return counts
}

// vectorize builds a TF-IDF vector over the current vocabulary for the
// given term counts. Must be called with mu held.
func (e *TFIDFEngine) vectorize(counts map[string]int) []float32 {
	vec := make([]float32, len(e.vocab))
	for t, tf := range counts {
		col, ok := e.vocab[t]
		if !ok {
			continue
		}
		df := e.docFreq[t]
		if df == 0 {
			continue
		}
		idf := math.Log(float64(e.docCount+1) / float64(df))
		if idf < 0 {
			idf = 0
		}
		vec[col] = float32(float64(tf) * idf)
	}
	return vec
}

// Embed generates a TF-IDF vector for a single text, folding it into
// the running vocabulary first.
func (e *TFIDFEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	logging.EmbeddingDebug("TFIDFEngine.Embed: text_length=%d", len(text))

	e.mu.Lock()
	defer e.mu.Unlock()

	counts := e.observe(tfidfTokenize(text))
	return e.vectorize(counts), nil
}

// EmbedBatch generates TF-IDF vectors for multiple texts. All texts in
// the batch are folded into the vocabulary before any vector is built,
// so earlier texts in the batch benefit from terms introduced by later
// ones and every vector in the result has the same width.
func (e *TFIDFEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	logging.Embedding("TFIDFEngine.EmbedBatch: embedding %d texts", len(texts))

	if len(texts) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	allCounts := make([]map[string]int, len(texts))
	for i, text := range texts {
		allCounts[i] = e.observe(tfidfTokenize(text))
	}

	vectors := make([][]float32, len(texts))
	for i, counts := range allCounts {
		vectors[i] = e.vectorize(counts)
	}

	return vectors, nil
}

// Dimensions returns the current vocabulary size. This grows as more
// text is observed, up to tfidfMaxVocab.
func (e *TFIDFEngine) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vocab)
}

// Name returns the engine name.
func (e *TFIDFEngine) Name() string {
	return "tfidf"
}
