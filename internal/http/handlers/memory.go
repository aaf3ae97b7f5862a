package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recollect-ai/recollect-backend/internal/http/response"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

type MemoryHandler struct {
	memories services.EpisodicService
}

func NewMemoryHandler(memories services.EpisodicService) *MemoryHandler {
	return &MemoryHandler{memories: memories}
}

// splitNamespace turns the wire form "agent/user-1/prefs" into path segments.
func splitNamespace(raw string) []string {
	raw = strings.Trim(strings.TrimSpace(raw), "/")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "/")
}

type putMemoryReq struct {
	Namespace     []string       `json:"namespace"`
	Key           string         `json:"key"`
	Value         map[string]any `json:"value"`
	Attributes    map[string]any `json:"attributes"`
	IndexFields   []string       `json:"indexFields"`
	IndexDisabled bool           `json:"indexDisabled"`
	TTLSeconds    *int64         `json:"ttlSeconds"`
}

// PUT /v1/memories
func (h *MemoryHandler) Put(c *gin.Context) {
	var req putMemoryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	in := services.PutMemoryInput{
		Namespace:     req.Namespace,
		Key:           req.Key,
		Value:         req.Value,
		Attributes:    req.Attributes,
		IndexFields:   req.IndexFields,
		IndexDisabled: req.IndexDisabled,
	}
	if req.TTLSeconds != nil {
		ttl := time.Duration(*req.TTLSeconds) * time.Second
		in.TTL = &ttl
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	rec, err := h.memories.Put(c.Request.Context(), caller, in)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"memory": rec})
}

// GET /v1/memories?namespace=a/b&key=k
func (h *MemoryHandler) Get(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	rec, err := h.memories.Get(c.Request.Context(), caller, splitNamespace(c.Query("namespace")), c.Query("key"))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"memory": rec})
}

// DELETE /v1/memories?namespace=a/b&key=k
func (h *MemoryHandler) Delete(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.memories.Delete(c.Request.Context(), caller, splitNamespace(c.Query("namespace")), c.Query("key")); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}

type memorySearchReq struct {
	NamespacePrefix []string          `json:"namespacePrefix"`
	Filter          map[string]string `json:"filter"`
	Query           string            `json:"query"`
	Limit           int               `json:"limit"`
	Offset          int               `json:"offset"`
}

// POST /v1/memories/search
func (h *MemoryHandler) Search(c *gin.Context) {
	var req memorySearchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.memories.Search(c.Request.Context(), caller, services.MemorySearchInput{
		NamespacePrefix: req.NamespacePrefix,
		Filter:          req.Filter,
		Query:           req.Query,
		Limit:           req.Limit,
		Offset:          req.Offset,
	})
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"memories": rows})
}

// GET /v1/memories/events?namespacePrefix=a/b&limit=
func (h *MemoryHandler) Events(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.memories.Events(
		c.Request.Context(), caller,
		splitNamespace(c.Query("namespacePrefix")),
		parseLimit(c.Query("limit"), 100, 1000),
	)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"events": rows})
}

// GET /v1/memories/namespaces?prefix=a&suffix=prefs&limit=
func (h *MemoryHandler) Namespaces(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.memories.Namespaces(
		c.Request.Context(), caller,
		splitNamespace(c.Query("prefix")),
		c.Query("suffix"),
		parseLimit(c.Query("limit"), 100, 1000),
	)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"namespaces": rows})
}
