package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jo-hoe/meshforge/internal/batch"
	"github.com/jo-hoe/meshforge/internal/common"
	"github.com/jo-hoe/meshforge/internal/config"
	"github.com/jo-hoe/meshforge/internal/modes"
	"github.com/jo-hoe/meshforge/internal/records"
	"github.com/jo-hoe/meshforge/internal/storage"
)

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Records  records.Store
	Queue    *batch.Queue
	Uploader *storage.Uploader
	Registry *batch.Registry
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathBatches, svc.withCommon(svc.handleCreateBatch))
	// Pattern match /v1/batches/{id}
	mux.HandleFunc(http.MethodGet+" "+common.PathBatches+"/", svc.withCommon(svc.handleGetBatchByPrefix))
	mux.HandleFunc(http.MethodGet+" "+common.PathRecordEvents, svc.withCommon(svc.handleRecordEvents))
	mux.HandleFunc(http.MethodGet+" "+common.PathTransformations, svc.withCommon(svc.handleListTransformations))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type createResponse struct {
	BatchID   string `json:"batch_id"`
	Items     int    `json:"items"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}

	fileHeaders := r.MultipartForm.File["images"]
	if len(fileHeaders) == 0 {
		http.Error(w, "at least one image is required", http.StatusBadRequest)
		return
	}

	mode, err := modes.Parse(r.FormValue("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	owner := batch.Owner{
		UserID: strings.TrimSpace(r.FormValue("user_id")),
		Name:   strings.TrimSpace(r.FormValue("user_name")),
	}

	items := make([]batch.Item, 0, len(fileHeaders))
	cleanups := make([]func() error, 0, len(fileHeaders))
	cleanupAll := func() {
		for _, c := range cleanups {
			_ = c()
		}
	}

	for _, fh := range fileHeaders {
		itemID := uuid.NewString()
		upload, cleanup, err := svc.Uploader.SaveMultipartImage(fh, itemID, safeInt64(svc.Cfg.Server.MaxUploadSize))
		if err != nil {
			cleanupAll()
			http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		cleanups = append(cleanups, cleanup)
		items = append(items, batch.Item{
			ID:           itemID,
			Name:         fh.Filename,
			PreviewPath:  upload.PreviewPath,
			ImageDataURL: upload.DataURL(),
			MimeType:     upload.MimeType,
			Status:       batch.StatusPending,
		})
		if svc.Log != nil {
			svc.Log.Debug("image accepted", "name", fh.Filename, "size", humanize.Bytes(uint64(len(upload.Data))))
		}
	}

	b := &batch.Batch{
		ID:        uuid.NewString(),
		Mode:      mode,
		Owner:     owner,
		Items:     batch.NewList(items),
		CreatedAt: time.Now().UTC(),
	}
	svc.Registry.Add(b)

	err = svc.Queue.Enqueue(batch.Run{
		ID:      b.ID,
		Items:   b.Items,
		Mode:    mode,
		Owner:   owner,
		Cleanup: func() error { cleanupAll(); return nil },
	})
	if err != nil {
		svc.Registry.Evict(b.ID)
		cleanupAll()
		http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
		return
	}
	if svc.Log != nil {
		svc.Log.Info("batch accepted", "batch_id", b.ID, "items", len(items), "mode", string(mode))
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		BatchID:   b.ID,
		Items:     len(items),
		StatusURL: common.PathBatches + "/" + b.ID,
	})
}

var batchIDPattern = regexp.MustCompile(fmt.Sprintf("^%s/([a-f0-9-]+)$", common.PathBatches))

func (svc *Service) handleGetBatchByPrefix(w http.ResponseWriter, r *http.Request) {
	m := batchIDPattern.FindStringSubmatch(r.URL.Path)
	if len(m) != 2 {
		http.NotFound(w, r)
		return
	}
	b, ok := svc.Registry.Get(m[1])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, batchToOut(b))
}

func (svc *Service) handleListTransformations(w http.ResponseWriter, r *http.Request) {
	var (
		recs []records.Record
		err  error
	)
	if user := strings.TrimSpace(r.URL.Query().Get("user")); user != "" {
		recs, err = svc.Records.ListByUser(user)
	} else {
		recs, err = svc.Records.ListRecent(common.DefaultRecentLimit)
	}
	if err != nil {
		if svc.Log != nil {
			svc.Log.Error("list transformations", "err", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToOut(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transformations": out})
}

// handleRecordEvents streams record store changes as Server-Sent Events so
// dashboards and galleries update without polling.
func (svc *Service) handleRecordEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel := svc.Records.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", common.ContentTypeSSE)
	w.Header().Set(common.HeaderCacheControl, "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(recordToOut(ev.Record))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Op, payload)
			flusher.Flush()
		}
	}
}

func batchToOut(b *batch.Batch) map[string]any {
	items := b.Items.Snapshot()
	outItems := make([]map[string]any, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, map[string]any{
			"id":            it.ID,
			"name":          it.Name,
			"status":        string(it.Status),
			"progress":      it.Progress,
			"job_handle":    emptyToNil(it.JobHandle),
			"result_url":    emptyToNil(it.ResultURL),
			"error":         emptyToNil(it.ErrorMessage),
			"remote_status": emptyToNil(it.RawRemoteStatus),
			"preview":       emptyToNil(it.PreviewPath),
		})
	}
	out := map[string]any{
		"batch_id":   b.ID,
		"mode":       string(b.Mode),
		"created_at": b.CreatedAt,
		"finished":   b.Items.Finished(),
		"items":      outItems,
	}
	if b.FinishedAt != nil {
		out["finished_at"] = b.FinishedAt
	}
	return out
}

func recordToOut(rec records.Record) map[string]any {
	out := map[string]any{
		"id":         rec.LogicalID,
		"user_id":    rec.UserID,
		"name":       rec.Name,
		"image_url":  rec.ImageURL,
		"status":     string(rec.Status),
		"created_at": rec.CreatedAt,
	}
	if rec.ArtifactURL != nil {
		out["model_url"] = *rec.ArtifactURL
	} else {
		out["model_url"] = nil
	}
	if rec.AuthorName != nil {
		out["author_name"] = *rec.AuthorName
	}
	return out
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *writeWrap) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
