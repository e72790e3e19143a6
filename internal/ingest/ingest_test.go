package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/model"
)

type stubBlobs struct {
	abs string
	raw []byte
}

func (b *stubBlobs) AbsPath(relPath string) string { return "/blobs/" + relPath }
func (b *stubBlobs) ReadAll(_ string) ([]byte, error) {
	if b.raw == nil {
		return nil, errors.New("no blob")
	}
	return b.raw, nil
}

type stubDocs struct {
	statuses  map[string]model.ProcessingStatus
	errTexts  map[string]*string
	inserted  [][]model.Embedding
	insertErr error
}

func (d *stubDocs) SetDocumentStatus(_ context.Context, id string, status model.ProcessingStatus, procErr *string) error {
	if d.statuses == nil {
		d.statuses = map[string]model.ProcessingStatus{}
		d.errTexts = map[string]*string{}
	}
	d.statuses[id] = status
	d.errTexts[id] = procErr
	return nil
}

func (d *stubDocs) InsertEmbeddings(_ context.Context, _ string, chunks []model.Embedding) error {
	if d.insertErr != nil {
		return d.insertErr
	}
	d.inserted = append(d.inserted, chunks)
	return nil
}

type stubAdapters struct {
	result llmadapter.Result
	err    error
}

func (a *stubAdapters) Resolve(_ string) (llmadapter.Adapter, string, error) {
	if a.err != nil {
		return nil, "", a.err
	}
	return &stubAdapter{result: a.result}, "model-x", nil
}

type stubAdapter struct{ result llmadapter.Result }

func (a *stubAdapter) Call(_ context.Context, _ string, _ []llmadapter.Message) llmadapter.Result {
	return a.result
}

type stubEmbedder struct {
	docVectors    [][]float32
	queryVector   []float32
	embedDocsErr  error
	embedQueryErr error
}

func (e *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if e.embedDocsErr != nil {
		return nil, e.embedDocsErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if e.embedQueryErr != nil {
		return nil, e.embedQueryErr
	}
	return []float32{0.5, 0.5}, nil
}

func TestChunkText_SplitsWithOverlap(t *testing.T) {
	text := strings.Repeat("a", 1200)
	chunks := chunkText(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for 1200 chars, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.index != i {
			t.Fatalf("expected sequential chunk indices, got %d at position %d", c.index, i)
		}
	}
}

func TestProcessPDF_Success(t *testing.T) {
	docs := &stubDocs{}
	pipeline := New(&stubBlobs{}, docs, &stubAdapters{result: llmadapter.Result{Success: true, Content: "summary text"}}, &stubEmbedder{}, nil)
	pipeline.extractPDFTextFunc = func(string) (string, error) {
		return "Aspirin inhibits COX-1 and reduces inflammation.", nil
	}

	doc := model.Document{ID: "doc-1", Filename: "A.pdf", BlobPath: "u1/a.pdf"}
	if err := pipeline.ProcessPDF(context.Background(), doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if docs.statuses["doc-1"] != model.ProcessingCompleted {
		t.Fatalf("expected completed status, got %v", docs.statuses["doc-1"])
	}
	if len(docs.inserted) < 2 {
		t.Fatalf("expected both chunk and summary embeddings inserted, got %d batches", len(docs.inserted))
	}

	lastBatch := docs.inserted[len(docs.inserted)-1]
	if lastBatch[0].ChunkIndex != model.SentinelChunkIndex {
		t.Fatalf("expected the summary stored as the sentinel chunk, got index %d", lastBatch[0].ChunkIndex)
	}
}

func TestProcessPDF_NoTextExtractedFailsDocument(t *testing.T) {
	docs := &stubDocs{}
	pipeline := New(&stubBlobs{}, docs, &stubAdapters{}, &stubEmbedder{}, nil)
	pipeline.extractPDFTextFunc = func(string) (string, error) { return "", nil }

	doc := model.Document{ID: "doc-1", Filename: "empty.pdf"}
	if err := pipeline.ProcessPDF(context.Background(), doc); err == nil {
		t.Fatal("expected an error when no text is extracted")
	}
	if docs.statuses["doc-1"] != model.ProcessingFailed {
		t.Fatalf("expected failed status, got %v", docs.statuses["doc-1"])
	}
	if docs.errTexts["doc-1"] == nil {
		t.Fatal("expected a processing error message recorded")
	}
}

func TestProcessPDF_SummaryFailureStillCompletes(t *testing.T) {
	docs := &stubDocs{}
	pipeline := New(&stubBlobs{}, docs, &stubAdapters{result: llmadapter.Result{Success: false, Err: errors.New("vendor down")}}, &stubEmbedder{}, nil)
	pipeline.extractPDFTextFunc = func(string) (string, error) { return "some clinical text here", nil }

	doc := model.Document{ID: "doc-1", Filename: "A.pdf"}
	if err := pipeline.ProcessPDF(context.Background(), doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if docs.statuses["doc-1"] != model.ProcessingCompleted {
		t.Fatalf("expected completed despite summary failure, got %v", docs.statuses["doc-1"])
	}
}

func TestProcessImage_Success(t *testing.T) {
	docs := &stubDocs{}
	blobs := &stubBlobs{raw: []byte("fake-image-bytes")}
	pipeline := New(blobs, docs, &stubAdapters{result: llmadapter.Result{Success: true, Content: "normal chest X-ray"}}, &stubEmbedder{}, nil)

	doc := model.Document{ID: "doc-2", Filename: "scan.png", BlobPath: "u1/scan.png"}
	if err := pipeline.ProcessImage(context.Background(), doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if docs.statuses["doc-2"] != model.ProcessingCompleted {
		t.Fatalf("expected completed status, got %v", docs.statuses["doc-2"])
	}
	if len(docs.inserted) != 1 || docs.inserted[0][0].ChunkIndex != model.SentinelChunkIndex {
		t.Fatalf("expected one sentinel embedding inserted, got %+v", docs.inserted)
	}
}

func TestProcessImage_AdapterFailureMarksDocumentFailed(t *testing.T) {
	docs := &stubDocs{}
	blobs := &stubBlobs{raw: []byte("fake-image-bytes")}
	pipeline := New(blobs, docs, &stubAdapters{result: llmadapter.Result{Success: false, Err: errors.New("vision call failed")}}, &stubEmbedder{}, nil)

	doc := model.Document{ID: "doc-2", Filename: "scan.jpg"}
	if err := pipeline.ProcessImage(context.Background(), doc); err == nil {
		t.Fatal("expected an error")
	}
	if docs.statuses["doc-2"] != model.ProcessingFailed {
		t.Fatalf("expected failed status, got %v", docs.statuses["doc-2"])
	}
}

func TestMimeTypeForFilename(t *testing.T) {
	cases := map[string]string{
		"scan.PNG":  "image/png",
		"scan.webp": "image/webp",
		"scan.jpg":  "image/jpeg",
		"scan":      "image/jpeg",
	}
	for name, want := range cases {
		if got := mimeTypeForFilename(name); got != want {
			t.Errorf("mimeTypeForFilename(%q) = %q, want %q", name, got, want)
		}
	}
}
