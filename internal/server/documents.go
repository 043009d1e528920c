package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type bulkDocsPayload struct {
	Docs     []documents.Document `json:"docs"`
	NewEdits *bool                `json:"new_edits"`
}

type allDocsRow struct {
	ID    string             `json:"id"`
	Key   string             `json:"key"`
	Value allDocsValue       `json:"value"`
	Doc   documents.Document `json:"doc"`
}

type allDocsValue struct {
	Rev string `json:"rev"`
}

func (h *httpHandler) handleInfo(c *gin.Context) {
	engine := engineFrom(c)
	count, err := engine.DocumentCount(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	seq, err := engine.UpdateSeq(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, replication.DatabaseInfo{Name: c.Param("db"), DocCount: count, UpdateSeq: seq})
}

// handleChanges serves the change feed. With feed=longpoll an empty page is
// held open until a write lands or the timeout passes.
func (h *httpHandler) handleChanges(c *gin.Context) {
	engine := engineFrom(c)
	since, err := queryInt(c, "since")
	if err != nil {
		h.respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	longPoll := c.Query("feed") == "longpoll"

	var wake <-chan store.Change
	if longPoll {
		subscription := engine.Subscribe(ctx)
		defer subscription.Close()
		wake = subscription.C()
	}

	entries, err := engine.ChangesSince(ctx, since, int(limit))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if len(entries) == 0 && longPoll {
		timer := time.NewTimer(h.pollWait(c.Query("timeout")))
		defer timer.Stop()
		select {
		case <-wake:
			if entries, err = engine.ChangesSince(ctx, since, int(limit)); err != nil {
				h.respondError(c, err)
				return
			}
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	page := replication.ChangesPage{Results: make([]replication.ChangeRow, 0, len(entries)), LastSeq: since}
	for _, entry := range entries {
		page.Results = append(page.Results, replication.ChangeRow{
			Seq:     entry.Seq,
			ID:      entry.Document.ID,
			Rev:     entry.Document.Rev,
			Deleted: entry.Document.Deleted,
			Doc:     entry.Document,
		})
		page.LastSeq = entry.Seq
	}
	c.JSON(http.StatusOK, page)
}

// handleBulkDocs writes a batch. new_edits=false stores the revisions the
// caller sends, which is how replicas push.
func (h *httpHandler) handleBulkDocs(c *gin.Context) {
	var payload bulkDocsPayload
	if err := decodeBody(c, &payload); err != nil {
		h.respondError(c, err)
		return
	}
	engine := engineFrom(c)
	var (
		results []documents.Result
		err     error
	)
	if payload.NewEdits != nil && !*payload.NewEdits {
		results, err = engine.ApplyReplicated(c.Request.Context(), payload.Docs, store.OriginRemote)
	} else {
		results, err = engine.BulkWrite(c.Request.Context(), payload.Docs)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	rows := make([]replication.BulkResult, 0, len(results))
	for _, result := range results {
		row := replication.BulkResult{ID: result.ID, Rev: result.Rev, OK: result.OK}
		if result.Err != nil {
			row.OK = false
			row.Error = bulkErrorCode(result.Err)
			row.Reason = result.Err.Error()
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusCreated, rows)
}

func (h *httpHandler) handleFind(c *gin.Context) {
	var query documents.Query
	if err := decodeBody(c, &query); err != nil {
		h.respondError(c, err)
		return
	}
	docs, err := engineFrom(c).Find(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if docs == nil {
		docs = []documents.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"docs": docs})
}

func (h *httpHandler) handleAllDocs(c *gin.Context) {
	docs, err := engineFrom(c).ExportAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	live := store.LiveOnly(docs)
	rows := make([]allDocsRow, 0, len(live))
	for _, doc := range live {
		rows = append(rows, allDocsRow{ID: doc.ID, Key: doc.ID, Value: allDocsValue{Rev: doc.Rev}, Doc: doc})
	}
	c.JSON(http.StatusOK, gin.H{"total_rows": len(rows), "rows": rows})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	doc, err := engineFrom(c).Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *httpHandler) handlePutDocument(c *gin.Context) {
	var doc documents.Document
	if err := decodeBody(c, &doc); err != nil {
		h.respondError(c, err)
		return
	}
	id := c.Param("id")
	if doc.ID != "" && doc.ID != id {
		h.respondError(c, fmt.Errorf("%w: body id %q does not match path", documents.ErrValidation, doc.ID))
		return
	}
	doc.ID = id
	stored, err := engineFrom(c).Put(c.Request.Context(), doc)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, replication.BulkResult{ID: stored.ID, Rev: stored.Rev, OK: true})
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	doc := documents.Document{ID: c.Param("id"), Rev: c.Query("rev")}
	result, err := engineFrom(c).Delete(c.Request.Context(), doc)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, replication.BulkResult{ID: result.ID, Rev: result.Rev, OK: true})
}

func (h *httpHandler) pollWait(raw string) time.Duration {
	wait := defaultLongPollWait
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil && millis > 0 {
		wait = time.Duration(millis) * time.Millisecond
	}
	if wait > h.longPollLimit {
		wait = h.longPollLimit
	}
	return wait
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := store.StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": errorCode(err), "reason": err.Error()})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return "not_found"
	case errors.Is(err, documents.ErrConflict):
		return "conflict"
	case errors.Is(err, documents.ErrValidation):
		return "bad_request"
	case errors.Is(err, store.ErrAuthentication):
		return "unauthorized"
	default:
		return "internal_error"
	}
}

// bulkErrorCode names a per-document failure; rejected content is reported
// as forbidden so replicas skip the row instead of retrying it.
func bulkErrorCode(err error) string {
	if errors.Is(err, documents.ErrValidation) {
		return "forbidden"
	}
	return errorCode(err)
}

func queryInt(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", documents.ErrValidation, name)
	}
	return value, nil
}

func decodeBody(c *gin.Context, out any) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", documents.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", documents.ErrValidation, err)
	}
	return nil
}
