// Package ingest is the Document Ingestion pipeline (§4.8): turns an
// uploaded PDF or image blob into searchable chunk embeddings plus a
// high-yield summary or clinical interpretation, stored as the sentinel
// chunk (chunk_index=-1).
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/model"
)

const (
	chunkSize    = 500
	chunkOverlap = 100

	summaryFeature = "explain"
	imageFeature   = "image"

	summaryPromptPrefix = `Generate a high-yield clinical summary of this medical document.
Include:
1. Document Type & Context
2. Key Clinical Findings/Data points
3. Relevant Pathophysiology or Management mentioned
4. Recommended study focus areas

Text: `
	// summaryTextLimit caps how much of the extracted text is sent to the
	// summarizer, matching the original's "first 6000 chars" budget.
	summaryTextLimit = 6000

	imagePrompt = `Analyze this medical image (it could be an X-ray, CT, ECG, or pathology slide).
Provide a structured clinical interpretation including:
1. Image Type & View
2. Key Findings
3. Likely Differentials
4. Clinical Recommendations

Keep the analysis professional and concise.`
)

// BlobReader is the narrow slice of blobstore.Store ingestion needs.
type BlobReader interface {
	AbsPath(relPath string) string
	ReadAll(relPath string) ([]byte, error)
}

// DocumentStore is the narrow slice of store.DocumentStorer the pipeline needs.
type DocumentStore interface {
	SetDocumentStatus(ctx context.Context, id string, status model.ProcessingStatus, procErr *string) error
	InsertEmbeddings(ctx context.Context, documentID string, chunks []model.Embedding) error
}

// AdapterResolver is the narrow slice of registry.Registry ingestion needs
// for the summary/interpretation call.
type AdapterResolver interface {
	Resolve(feature string) (llmadapter.Adapter, string, error)
}

// Pipeline runs the PDF and image processing steps (§4.8).
type Pipeline struct {
	blobs    BlobReader
	docs     DocumentStore
	adapters AdapterResolver
	embedder embeddings.Embedder
	log      *slog.Logger

	// extractPDFTextFunc defaults to reading the blob's real file through
	// ledongthuc/pdf; tests override it to exercise chunking/embedding/
	// summary logic without a PDF fixture on disk.
	extractPDFTextFunc func(absPath string) (string, error)
}

func New(blobs BlobReader, docs DocumentStore, adapters AdapterResolver, embedder embeddings.Embedder, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{blobs: blobs, docs: docs, adapters: adapters, embedder: embedder, log: log}
	p.extractPDFTextFunc = extractPDFText
	return p
}

// ProcessPDF extracts the whole document's plain text in one pass, chunks
// it, embeds and inserts every chunk, requests a high-yield summary, embeds
// and stores it as the sentinel chunk, and marks the document completed.
// A failure in extraction, chunk embedding or chunk insertion marks it
// failed instead; chunks already inserted are left in place (§4.8: "best
// effort cleanup by user delete"). A failed summary step is logged and the
// document is still marked completed.
func (p *Pipeline) ProcessPDF(ctx context.Context, doc model.Document) error {
	if err := p.docs.SetDocumentStatus(ctx, doc.ID, model.ProcessingInProgress, nil); err != nil {
		return fmt.Errorf("ingest: mark processing: %w", err)
	}

	text, err := p.extractPDFTextFunc(p.blobs.AbsPath(doc.BlobPath))
	if err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("extract text: %w", err))
	}
	if text == "" {
		return p.fail(ctx, doc.ID, fmt.Errorf("no text could be extracted from PDF"))
	}

	chunks := chunkText(text)
	vectors, err := p.embedder.EmbedDocuments(ctx, chunkTexts(chunks))
	if err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("embed chunks: %w", err))
	}

	embeddingRows := make([]model.Embedding, 0, len(chunks))
	for i, c := range chunks {
		embeddingRows = append(embeddingRows, model.Embedding{
			DocumentID: doc.ID,
			ChunkText:  c.text,
			ChunkIndex: c.index,
			Vector:     vectors[i],
		})
	}
	if len(embeddingRows) > 0 {
		if err := p.docs.InsertEmbeddings(ctx, doc.ID, embeddingRows); err != nil {
			return p.fail(ctx, doc.ID, fmt.Errorf("insert embeddings: %w", err))
		}
	}

	if err := p.insertSummary(ctx, doc, text); err != nil {
		// A failed summary doesn't invalidate the chunks already stored;
		// log it and still mark the document completed, matching the
		// original's best-effort summary step.
		p.log.Warn("ingest: summary generation failed, continuing without it", "document_id", doc.ID, "error", err)
	}

	return p.docs.SetDocumentStatus(ctx, doc.ID, model.ProcessingCompleted, nil)
}

func (p *Pipeline) insertSummary(ctx context.Context, doc model.Document, fullText string) error {
	truncated := fullText
	if len(truncated) > summaryTextLimit {
		truncated = truncated[:summaryTextLimit]
	}

	adapter, modelID, err := p.adapters.Resolve(summaryFeature)
	if err != nil {
		return fmt.Errorf("resolve summary adapter: %w", err)
	}

	res := adapter.Call(ctx, modelID, []llmadapter.Message{
		{Role: "user", Content: summaryPromptPrefix + truncated},
	})
	if !res.Success {
		return fmt.Errorf("summary call failed: %w", res.Err)
	}

	summaryText := fmt.Sprintf("High-Yield Summary of %s:\n%s", doc.Filename, res.Content)
	vector, err := p.embedder.EmbedQuery(ctx, summaryText)
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}

	return p.docs.InsertEmbeddings(ctx, doc.ID, []model.Embedding{
		{
			DocumentID: doc.ID,
			ChunkText:  summaryText,
			ChunkIndex: model.SentinelChunkIndex,
			Vector:     vector,
		},
	})
}

// ProcessImage calls the Provider Adapter with the raw image and a fixed
// clinical-interpretation prompt, embeds the interpretation, stores it as
// the sentinel chunk, and marks the document completed.
func (p *Pipeline) ProcessImage(ctx context.Context, doc model.Document) error {
	if err := p.docs.SetDocumentStatus(ctx, doc.ID, model.ProcessingInProgress, nil); err != nil {
		return fmt.Errorf("ingest: mark processing: %w", err)
	}

	raw, err := p.blobs.ReadAll(doc.BlobPath)
	if err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("read blob: %w", err))
	}

	adapter, modelID, err := p.adapters.Resolve(imageFeature)
	if err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("resolve image adapter: %w", err))
	}

	res := adapter.Call(ctx, modelID, []llmadapter.Message{
		{
			Role:          "user",
			Content:       imagePrompt,
			ImageData:     base64.StdEncoding.EncodeToString(raw),
			ImageMimeType: mimeTypeForFilename(doc.Filename),
		},
	})
	if !res.Success {
		return p.fail(ctx, doc.ID, fmt.Errorf("image interpretation failed: %w", res.Err))
	}

	interpretation := fmt.Sprintf("AI Interpretation of %s:\n%s", doc.Filename, res.Content)
	vector, err := p.embedder.EmbedQuery(ctx, interpretation)
	if err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("embed interpretation: %w", err))
	}

	if err := p.docs.InsertEmbeddings(ctx, doc.ID, []model.Embedding{
		{
			DocumentID: doc.ID,
			ChunkText:  interpretation,
			ChunkIndex: model.SentinelChunkIndex,
			Vector:     vector,
		},
	}); err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("insert interpretation embedding: %w", err))
	}

	return p.docs.SetDocumentStatus(ctx, doc.ID, model.ProcessingCompleted, nil)
}

func (p *Pipeline) fail(ctx context.Context, documentID string, cause error) error {
	msg := cause.Error()
	if err := p.docs.SetDocumentStatus(ctx, documentID, model.ProcessingFailed, &msg); err != nil {
		p.log.Error("ingest: failed to record processing failure", "document_id", documentID, "error", err)
	}
	return cause
}

func extractPDFText(absPath string) (string, error) {
	f, r, err := pdf.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	text, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(&buf, text); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type chunk struct {
	text  string
	index int
}

// chunkText splits full into ~chunkSize-character windows with
// ~chunkOverlap overlap (§4.8's PDF pipeline step 3), dropping any window
// that is empty after trimming.
func chunkText(full string) []chunk {
	var chunks []chunk
	index := 0
	for start := 0; start < len(full); {
		end := start + chunkSize
		if end > len(full) {
			end = len(full)
		}
		text := strings.TrimSpace(full[start:end])
		if text != "" {
			chunks = append(chunks, chunk{text: text, index: index})
			index++
		}
		if end == len(full) {
			break
		}
		start = end - chunkOverlap
	}
	return chunks
}

func chunkTexts(chunks []chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.text
	}
	return texts
}

func mimeTypeForFilename(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
