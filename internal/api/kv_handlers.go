package api

import (
	"io"
	"net/http"
	"time"
)

func (h *Handler) handleKVSet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, key := headerValue(r, HeaderKVID), headerValue(r, HeaderKVKey)

	store, err := h.kvStores.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "KV", err)
		return
	}

	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		h.operationError(w, r, err)
		return
	}

	err = store.Set(r.Context(), key, value)
	h.metrics.RecordKVOperation("set", err == nil, int64(len(value)), time.Since(start))
	if err != nil {
		h.operationError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) handleKVGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, key := headerValue(r, HeaderKVID), headerValue(r, HeaderKVKey)

	store, err := h.kvStores.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "KV", err)
		return
	}

	value, err := store.Get(r.Context(), key)
	h.metrics.RecordKVOperation("get", err == nil, int64(len(value)), time.Since(start))
	if err != nil {
		h.operationError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}
