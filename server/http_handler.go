package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/virtsec/isopage"
)

var (
	requestCounter = prom.NewCounterVec(prom.CounterOpts{
		Name: "isopage_http_requests_total",
		Help: "Total number of isopage HTTP requests.",
	}, []string{"code", "method"})
)

func init() {
	prom.MustRegister(requestCounter)
}

// Handler exposes the message slot at /message: PUT/POST writes, GET reads,
// HEAD probes, DELETE clears.
type Handler struct {
	store   *isopage.MessageStore
	bufPool *BufferPool
	sema    *semaphore.Weighted
}

func NewHandler(store *isopage.MessageStore, maxConcurrentRequests int) *Handler {
	return &Handler{
		store: store,
		// Stage one byte more than a page so oversize payloads are detected
		// here instead of silently truncated.
		bufPool: NewBufferPool(isopage.PageSize + 1),
		sema:    semaphore.NewWeighted(int64(maxConcurrentRequests)),
	}
}

func (h *Handler) countRequest(code int, method string) {
	requestCounter.WithLabelValues(strconv.Itoa(code), method).Inc()
}

func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, isopage.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, isopage.ErrAllocationFailure):
		return http.StatusInsufficientStorage
	case errors.Is(err, isopage.ErrNoMessage):
		return http.StatusNotFound
	case errors.Is(err, isopage.ErrStoreClosed):
		return http.StatusServiceUnavailable
	}
	// Auth failures and corrupted state are internal integrity violations.
	return http.StatusInternalServerError
}

func (h *Handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/message" {
		h.countRequest(http.StatusNotFound, req.Method)
		resp.WriteHeader(http.StatusNotFound)
		return
	}

	err := h.sema.Acquire(req.Context(), 1)
	if err != nil {
		h.countRequest(http.StatusRequestTimeout, req.Method)
		resp.WriteHeader(http.StatusRequestTimeout)
		return
	}
	defer h.sema.Release(1)

	switch req.Method {
	case "HEAD":
		if h.store.Has() {
			h.countRequest(http.StatusOK, req.Method)
			resp.WriteHeader(http.StatusOK)
		} else {
			h.countRequest(http.StatusNotFound, req.Method)
			resp.WriteHeader(http.StatusNotFound)
		}

	case "GET":
		buf, err := h.store.Read()
		if err != nil {
			code := storeErrorStatus(err)
			h.countRequest(code, req.Method)
			resp.WriteHeader(code)
			io.WriteString(resp, err.Error())
			return
		}
		resp.Header().Set("Content-Length", strconv.Itoa(len(buf)))
		h.countRequest(http.StatusOK, req.Method)
		resp.Write(buf)

	case "PUT", "POST":
		buf := h.bufPool.Get()
		defer h.bufPool.Put(buf)

		n, err := io.ReadFull(req.Body, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			h.countRequest(http.StatusBadRequest, req.Method)
			resp.WriteHeader(http.StatusBadRequest)
			return
		}

		if _, err := h.store.Write(buf[:n]); err != nil {
			code := storeErrorStatus(err)
			h.countRequest(code, req.Method)
			resp.WriteHeader(code)
			io.WriteString(resp, err.Error())
			return
		}
		h.countRequest(http.StatusOK, req.Method)
		resp.WriteHeader(http.StatusOK)

	case "DELETE":
		had, err := h.store.Clear()
		if err != nil {
			code := storeErrorStatus(err)
			h.countRequest(code, req.Method)
			resp.WriteHeader(code)
			return
		}
		if had {
			h.countRequest(http.StatusOK, req.Method)
			resp.WriteHeader(http.StatusOK)
		} else {
			h.countRequest(http.StatusNotFound, req.Method)
			resp.WriteHeader(http.StatusNotFound)
		}

	default:
		h.countRequest(http.StatusMethodNotAllowed, req.Method)
		resp.WriteHeader(http.StatusMethodNotAllowed)
	}
}
