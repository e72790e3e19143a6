package retrieval

import (
	"context"
	"testing"

	"github.com/rakunlabs/coreserver/internal/model"
)

type stubDocs struct {
	docs       []model.Document
	candidates []model.EmbeddingCandidate
	docsErr    error
	candErr    error
}

func (d *stubDocs) CompletedDocumentsForUser(_ context.Context, _ string, _ *string) ([]model.Document, error) {
	if d.docsErr != nil {
		return nil, d.docsErr
	}
	return d.docs, nil
}

func (d *stubDocs) NonSentinelEmbeddingsForDocuments(_ context.Context, _ []string) ([]model.EmbeddingCandidate, error) {
	if d.candErr != nil {
		return nil, d.candErr
	}
	return d.candidates, nil
}

type stubEmbedder struct {
	vector []float32
}

func (e *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vector
	}
	return out, nil
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return e.vector, nil
}

func candidate(docID string, index int, vector []float32) model.EmbeddingCandidate {
	return model.EmbeddingCandidate{
		Embedding: model.Embedding{
			DocumentID: docID,
			ChunkText:  "chunk of " + docID,
			ChunkIndex: index,
			Vector:     vector,
		},
	}
}

func TestSearch_NoCompletedDocumentsReturnsEmptyWithoutError(t *testing.T) {
	idx := New(&stubDocs{}, &stubEmbedder{vector: []float32{1, 0}})
	citations, chunks, err := idx.Search(context.Background(), "user-1", "aspirin", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if citations != nil || chunks != nil {
		t.Fatalf("expected nil results, got citations=%v chunks=%v", citations, chunks)
	}
}

func TestSearch_NoEmbeddingsReturnsEmptyWithoutError(t *testing.T) {
	docs := &stubDocs{docs: []model.Document{{ID: "doc-1", Filename: "A.pdf"}}}
	idx := New(docs, &stubEmbedder{vector: []float32{1, 0}})
	citations, chunks, err := idx.Search(context.Background(), "user-1", "aspirin", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if citations != nil || chunks != nil {
		t.Fatalf("expected nil results, got citations=%v chunks=%v", citations, chunks)
	}
}

func TestSearch_SkipsDimensionMismatchedEmbeddings(t *testing.T) {
	docs := &stubDocs{
		docs: []model.Document{{ID: "doc-1", Filename: "A.pdf"}},
		candidates: []model.EmbeddingCandidate{
			candidate("doc-1", 0, []float32{1, 0, 0}),
			candidate("doc-1", 1, []float32{1, 0}),
		},
	}
	idx := New(docs, &stubEmbedder{vector: []float32{1, 0}})
	citations, chunks, err := idx.Search(context.Background(), "user-1", "aspirin", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(citations) != 1 || len(chunks) != 1 {
		t.Fatalf("expected the mismatched embedding skipped, got %d citations", len(citations))
	}
	if citations[0].ChunkIndex != 1 {
		t.Fatalf("expected the matching-dimension chunk to survive, got index %d", citations[0].ChunkIndex)
	}
}

func TestSearch_SortsDescendingAndTruncatesToTopK(t *testing.T) {
	docs := &stubDocs{
		docs: []model.Document{{ID: "doc-1", Filename: "A.pdf"}},
		candidates: []model.EmbeddingCandidate{
			candidate("doc-1", 0, []float32{0, 1}),
			candidate("doc-1", 1, []float32{1, 0}),
			candidate("doc-1", 2, []float32{0.9, 0.1}),
		},
	}
	idx := New(docs, &stubEmbedder{vector: []float32{1, 0}})
	citations, chunks, err := idx.Search(context.Background(), "user-1", "aspirin", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(citations) != 2 {
		t.Fatalf("expected results truncated to topK=2, got %d", len(citations))
	}
	if citations[0].ChunkIndex != 1 {
		t.Fatalf("expected the perfectly aligned chunk ranked first, got index %d", citations[0].ChunkIndex)
	}
	if citations[0].SimilarityScore < citations[1].SimilarityScore {
		t.Fatalf("expected descending similarity order, got %v then %v", citations[0].SimilarityScore, citations[1].SimilarityScore)
	}
	if len(chunks) != 2 || chunks[0] != "chunk of doc-1" {
		t.Fatalf("expected parallel chunk texts returned, got %v", chunks)
	}
}

func TestSearch_CitationsCarryDocumentFilename(t *testing.T) {
	docs := &stubDocs{
		docs: []model.Document{
			{ID: "doc-1", Filename: "pharmacology.pdf"},
			{ID: "doc-2", Filename: "ecg-basics.pdf"},
		},
		candidates: []model.EmbeddingCandidate{
			candidate("doc-2", 0, []float32{1, 0}),
		},
	}
	idx := New(docs, &stubEmbedder{vector: []float32{1, 0}})
	citations, _, err := idx.Search(context.Background(), "user-1", "QT interval", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(citations) != 1 || citations[0].DocumentFilename != "ecg-basics.pdf" {
		t.Fatalf("expected citation to carry the owning document's filename, got %+v", citations)
	}
}

func TestSearchDocument_PropagatesDocumentIDFilter(t *testing.T) {
	docID := "doc-1"
	docs := &stubDocs{docs: []model.Document{{ID: "doc-1", Filename: "A.pdf"}}}
	idx := New(docs, &stubEmbedder{vector: []float32{1, 0}})
	if _, _, err := idx.SearchDocument(context.Background(), "user-1", "aspirin", 3, &docID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
