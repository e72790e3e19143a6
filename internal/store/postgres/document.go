package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/pgvector/pgvector-go"
	"github.com/rakunlabs/coreserver/internal/model"
)

func (p *Postgres) CreateDocument(ctx context.Context, ownerID, filename string, fileType model.DocumentFileType, sizeBytes int64, blobPath string) (*model.Document, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableDocuments).Rows(goqu.Record{
		"id": id, "owner_id": ownerID, "filename": filename, "file_type": string(fileType),
		"size_bytes": sizeBytes, "blob_path": blobPath,
		"processing_status": string(model.ProcessingPending), "processing_error": nil,
		"created_at": now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create document query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	return &model.Document{
		ID: id, OwnerID: ownerID, Filename: filename, FileType: fileType,
		SizeBytes: sizeBytes, BlobPath: blobPath,
		ProcessingStatus: model.ProcessingPending, CreatedAt: now,
	}, nil
}

func scanDocument(sc interface{ Scan(...any) error }) (model.Document, error) {
	var d model.Document
	var fileType, status string
	err := sc.Scan(&d.ID, &d.OwnerID, &d.Filename, &fileType, &d.SizeBytes, &d.BlobPath, &status, &d.ProcessingError, &d.CreatedAt)
	d.FileType = model.DocumentFileType(fileType)
	d.ProcessingStatus = model.ProcessingStatus(status)
	return d, err
}

const documentCols = "id, owner_id, filename, file_type, size_bytes, blob_path, processing_status, processing_error, created_at"

func (p *Postgres) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	query, _, err := p.goqu.From(p.tableDocuments).
		Select("id", "owner_id", "filename", "file_type", "size_bytes", "blob_path", "processing_status", "processing_error", "created_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get document query: %w", err)
	}

	d, err := scanDocument(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %q: %w", id, err)
	}
	return &d, nil
}

func (p *Postgres) ListDocuments(ctx context.Context, ownerID string) ([]model.Document, error) {
	query, _, err := p.goqu.From(p.tableDocuments).
		Select("id", "owner_id", "filename", "file_type", "size_bytes", "blob_path", "processing_status", "processing_error", "created_at").
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list documents query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var result []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// CompletedDocumentsForUser returns documents eligible as the Retrieval
// candidate set (§4.8): completed, owned by the user, optionally narrowed
// to one document id.
func (p *Postgres) CompletedDocumentsForUser(ctx context.Context, ownerID string, documentID *string) ([]model.Document, error) {
	where := []goqu.Expression{
		goqu.I("owner_id").Eq(ownerID),
		goqu.I("processing_status").Eq(string(model.ProcessingCompleted)),
	}
	if documentID != nil {
		where = append(where, goqu.I("id").Eq(*documentID))
	}

	query, _, err := p.goqu.From(p.tableDocuments).
		Select("id", "owner_id", "filename", "file_type", "size_bytes", "blob_path", "processing_status", "processing_error", "created_at").
		Where(where...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build completed documents query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list completed documents: %w", err)
	}
	defer rows.Close()

	var result []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *Postgres) SetDocumentStatus(ctx context.Context, id string, status model.ProcessingStatus, procErr *string) error {
	query, _, err := p.goqu.Update(p.tableDocuments).Set(goqu.Record{
		"processing_status": string(status), "processing_error": procErr,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build set document status query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) DeleteDocument(ctx context.Context, id string) error {
	// Embeddings cascade via a foreign key ON DELETE CASCADE (see migrations).
	query, _, err := p.goqu.Delete(p.tableDocuments).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete document query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

// InsertEmbeddings batch-inserts chunk embeddings for a document using the
// pgvector column type. chunk_index=model.SentinelChunkIndex marks a
// whole-document summary or image interpretation chunk.
func (p *Postgres) InsertEmbeddings(ctx context.Context, documentID string, chunks []model.Embedding) error {
	if len(chunks) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]interface{}, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, goqu.Record{
			"id":          ulid.Make().String(),
			"document_id": documentID,
			"chunk_text":  c.ChunkText,
			"chunk_index": c.ChunkIndex,
			"vector":      pgvector.NewVector(c.Vector),
			"created_at":  now,
		})
	}

	query, _, err := p.goqu.Insert(p.tableEmbeddings).Rows(rows...).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert embeddings query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

// NonSentinelEmbeddingsForDocuments loads every chunk_index>=0 embedding for
// the given document ids (§4.8 step 3; sentinel chunks are excluded at the
// SQL level per §8 invariant 4).
func (p *Postgres) NonSentinelEmbeddingsForDocuments(ctx context.Context, documentIDs []string) ([]model.EmbeddingCandidate, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}

	query, _, err := p.goqu.
		From(p.tableEmbeddings.As("e")).
		Join(p.tableDocuments.As("d"), goqu.On(goqu.Ex{"e.document_id": goqu.I("d.id")})).
		Select("e.id", "e.document_id", "e.chunk_text", "e.chunk_index", "e.vector", "e.created_at", "d.filename").
		Where(
			goqu.I("e.document_id").In(documentIDs),
			goqu.I("e.chunk_index").Gte(0),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build embedding candidates query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding candidates: %w", err)
	}
	defer rows.Close()

	var result []model.EmbeddingCandidate
	for rows.Next() {
		var c model.EmbeddingCandidate
		var vec pgvector.Vector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkText, &c.ChunkIndex, &vec, &c.CreatedAt, &c.DocumentFilename); err != nil {
			// A row that fails to decode (dimensionality mismatch, etc.) is
			// skipped and logged by the caller, not fatal to the whole search.
			continue
		}
		c.Vector = vec.Slice()
		result = append(result, c)
	}
	return result, rows.Err()
}
