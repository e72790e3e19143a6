package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rakunlabs/coreserver/internal/model"
)

const maxUploadSize = 50 << 20 // 50MiB

type documentResponse struct {
	ID               string  `json:"id"`
	Filename         string  `json:"filename"`
	FileType         string  `json:"file_type"`
	SizeBytes        int64   `json:"size_bytes"`
	ProcessingStatus string  `json:"processing_status"`
	ProcessingError  *string `json:"processing_error,omitempty"`
}

func toDocumentResponse(d model.Document) documentResponse {
	return documentResponse{
		ID:               d.ID,
		Filename:         d.Filename,
		FileType:         string(d.FileType),
		SizeBytes:        d.SizeBytes,
		ProcessingStatus: string(d.ProcessingStatus),
		ProcessingError:  d.ProcessingError,
	}
}

// UploadDocumentAPI handles POST /documents: stores the uploaded file,
// creates its pending record, and hands processing off to the ingest
// pipeline in the background so the request returns immediately with
// status=pending rather than blocking on PDF parsing/embedding.
func (s *Server) UploadDocumentAPI(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		httpResponse(w, fmt.Sprintf("invalid upload: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpResponse(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	fileType, ok := documentFileType(header.Filename)
	if !ok {
		httpResponse(w, "unsupported file type: only PDF and common image formats are accepted", http.StatusBadRequest)
		return
	}

	blobPath, size, err := s.blobs.Save(r.Context(), user.ID, header.Filename, file)
	if err != nil {
		slog.Error("save uploaded document failed", "filename", header.Filename, "error", err)
		httpResponse(w, "failed to store uploaded file", http.StatusInternalServerError)
		return
	}

	doc, err := s.store.CreateDocument(r.Context(), user.ID, header.Filename, fileType, size, blobPath)
	if err != nil {
		slog.Error("create document record failed", "filename", header.Filename, "error", err)
		httpResponse(w, "failed to record uploaded file", http.StatusInternalServerError)
		return
	}

	go func() {
		ctx := context.WithoutCancel(r.Context())
		var procErr error
		switch fileType {
		case model.DocumentPDF:
			procErr = s.ingest.ProcessPDF(ctx, *doc)
		case model.DocumentImage:
			procErr = s.ingest.ProcessImage(ctx, *doc)
		}
		if procErr != nil {
			slog.Error("document processing failed", "document_id", doc.ID, "error", procErr)
		}
	}()

	httpResponseJSON(w, toDocumentResponse(*doc), http.StatusAccepted)
}

// ListDocumentsAPI handles GET /documents.
func (s *Server) ListDocumentsAPI(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	docs, err := s.store.ListDocuments(r.Context(), user.ID)
	if err != nil {
		slog.Error("list documents failed", "error", err)
		httpResponse(w, "failed to list documents", http.StatusInternalServerError)
		return
	}

	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentResponse(d))
	}
	httpResponseJSON(w, struct {
		Documents []documentResponse `json:"documents"`
	}{Documents: out}, http.StatusOK)
}

// DeleteDocumentAPI handles DELETE /documents/*, the same bare-wildcard
// single-id route convention the teacher's /v1/providers/* uses.
func (s *Server) DeleteDocumentAPI(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("key")
	if id == "" {
		httpResponse(w, "document id is required", http.StatusBadRequest)
		return
	}

	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		slog.Error("get document failed", "id", id, "error", err)
		httpResponse(w, "failed to look up document", http.StatusInternalServerError)
		return
	}
	if doc == nil || doc.OwnerID != user.ID {
		httpResponse(w, "document not found", http.StatusNotFound)
		return
	}

	if err := s.store.DeleteDocument(r.Context(), id); err != nil {
		slog.Error("delete document failed", "id", id, "error", err)
		httpResponse(w, "failed to delete document", http.StatusInternalServerError)
		return
	}
	if err := s.blobs.Delete(doc.BlobPath); err != nil {
		slog.Warn("document row deleted but blob cleanup failed", "id", id, "error", err)
	}

	httpResponse(w, "deleted", http.StatusOK)
}

func documentFileType(filename string) (model.DocumentFileType, bool) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return model.DocumentPDF, true
	case strings.HasSuffix(lower, ".png"), strings.HasSuffix(lower, ".jpg"),
		strings.HasSuffix(lower, ".jpeg"), strings.HasSuffix(lower, ".webp"),
		strings.HasSuffix(lower, ".gif"):
		return model.DocumentImage, true
	default:
		return "", false
	}
}
