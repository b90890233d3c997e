package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/combinator/combinator/internal/rdb"
)

// statementRequest is the body of /rdb/exec and /rdb/query
type statementRequest struct {
	Stmt string `json:"stmt"`
	Args []any  `json:"args"`
}

// decodeBody decodes a JSON body into v. Numbers are kept as json.Number so
// large integers survive until NormalizeArgs.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON value", errInvalidBody)
	}
	return nil
}

// readStatement resolves the store and decodes a single statement request
func (h *Handler) readStatement(w http.ResponseWriter, r *http.Request) (*rdb.Database, *statementRequest, bool) {
	db, err := h.rdbStores.Get(r.Context(), headerValue(r, HeaderRDBID))
	if err != nil {
		h.storeError(w, r, "RDB", err)
		return nil, nil, false
	}

	var req statementRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.operationError(w, r, err)
		return nil, nil, false
	}

	req.Args, err = rdb.NormalizeArgs(req.Args)
	if err != nil {
		h.operationError(w, r, err)
		return nil, nil, false
	}
	return db, &req, true
}

func (h *Handler) handleRDBExec(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	db, req, ok := h.readStatement(w, r)
	if !ok {
		return
	}

	result, err := db.Exec(r.Context(), req.Stmt, req.Args)
	h.metrics.RecordRDBOperation("exec", err == nil, time.Since(start))
	if err != nil {
		h.operationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRDBQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	db, req, ok := h.readStatement(w, r)
	if !ok {
		return
	}

	result, err := db.Query(r.Context(), req.Stmt, req.Args)
	h.metrics.RecordRDBOperation("query", err == nil, time.Since(start))
	if err != nil {
		h.operationError(w, r, err)
		return
	}

	// Buffer the CSV so an encoding failure can still become a JSON error
	var buf bytes.Buffer
	if err := result.WriteCSV(&buf); err != nil {
		h.operationError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/csv")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *Handler) handleRDBBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	db, err := h.rdbStores.Get(r.Context(), headerValue(r, HeaderRDBID))
	if err != nil {
		h.storeError(w, r, "RDB", err)
		return
	}

	var stmts []string
	if err := h.decodeBody(w, r, &stmts); err != nil {
		h.operationError(w, r, err)
		return
	}

	results, err := db.Batch(r.Context(), stmts)
	h.metrics.RecordRDBOperation("batch", err == nil, time.Since(start))
	h.metrics.RecordRDBBatchSize(len(stmts))
	if err != nil {
		h.operationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}
