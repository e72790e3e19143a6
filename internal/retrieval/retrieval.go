// Package retrieval is the semantic_search half of Document Ingestion &
// Retrieval (§4.8): embeds a query, loads the user's non-sentinel chunk
// embeddings, ranks them by cosine similarity, and returns the top matches
// as citations for the Router's RAG prompt assembly.
package retrieval

import (
	"context"
	"math"
	"sort"

	"github.com/tmc/langchaingo/embeddings"

	"github.com/rakunlabs/coreserver/internal/model"
)

// DocumentStore is the narrow slice of store.DocumentStorer retrieval needs.
type DocumentStore interface {
	CompletedDocumentsForUser(ctx context.Context, ownerID string, documentID *string) ([]model.Document, error)
	NonSentinelEmbeddingsForDocuments(ctx context.Context, documentIDs []string) ([]model.EmbeddingCandidate, error)
}

// Index ranks a user's document chunks against a query embedding.
type Index struct {
	docs     DocumentStore
	embedder embeddings.Embedder
}

func New(docs DocumentStore, embedder embeddings.Embedder) *Index {
	return &Index{docs: docs, embedder: embedder}
}

// Search embeds query and ranks every non-sentinel chunk across all of
// ownerID's completed documents, returning the topK highest cosine
// similarity matches as citations plus their chunk text (so the Router can
// prepend them to the prompt without a second round trip). Satisfies
// router.Retriever.
func (idx *Index) Search(ctx context.Context, ownerID, query string, topK int) ([]model.Citation, []string, error) {
	return idx.SearchDocument(ctx, ownerID, query, topK, nil)
}

// SearchDocument is Search narrowed to a single document, for the
// document-scoped "ask about this file" surface.
func (idx *Index) SearchDocument(ctx context.Context, ownerID, query string, topK int, documentID *string) ([]model.Citation, []string, error) {
	docs, err := idx.docs.CompletedDocumentsForUser(ctx, ownerID, documentID)
	if err != nil {
		return nil, nil, err
	}
	if len(docs) == 0 {
		return nil, nil, nil
	}

	filenames := make(map[string]string, len(docs))
	documentIDs := make([]string, len(docs))
	for i, d := range docs {
		documentIDs[i] = d.ID
		filenames[d.ID] = d.Filename
	}

	candidates, err := idx.docs.NonSentinelEmbeddingsForDocuments(ctx, documentIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	queryVector, err := idx.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	type scored struct {
		candidate  model.EmbeddingCandidate
		similarity float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		// Skip embeddings whose dimensionality doesn't match the query's
		// (§4.8 step 5): a stale embedding from a model swap is excluded,
		// not an error.
		if len(c.Vector) != len(queryVector) {
			continue
		}
		sim := cosineSimilarity(queryVector, c.Vector)
		ranked = append(ranked, scored{candidate: c, similarity: sim})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].similarity > ranked[j].similarity })
	if topK < len(ranked) {
		ranked = ranked[:topK]
	}

	citations := make([]model.Citation, len(ranked))
	chunks := make([]string, len(ranked))
	for i, r := range ranked {
		citations[i] = model.Citation{
			DocumentID:       r.candidate.DocumentID,
			DocumentFilename: filenames[r.candidate.DocumentID],
			ChunkIndex:       r.candidate.ChunkIndex,
			SimilarityScore:  r.similarity,
		}
		chunks[i] = r.candidate.ChunkText
	}
	return citations, chunks, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
