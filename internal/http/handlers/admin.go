package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recollect-ai/recollect-backend/internal/http/response"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

type AdminHandler struct {
	log      *logger.Logger
	admin    services.AdminService
	eviction services.EvictionService
	memories services.EpisodicService
	audit    services.AuditService
}

func NewAdminHandler(
	log *logger.Logger,
	admin services.AdminService,
	eviction services.EvictionService,
	memories services.EpisodicService,
	audit services.AuditService,
) *AdminHandler {
	return &AdminHandler{
		log:      log.With("handler", "AdminHandler"),
		admin:    admin,
		eviction: eviction,
		memories: memories,
		audit:    audit,
	}
}

// GET /v1/admin/conversations?includeDeleted=&afterCursor=&limit=
func (h *AdminHandler) ListConversations(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	page, err := h.admin.ListConversations(
		c.Request.Context(), caller,
		parseBool(c.Query("includeDeleted")),
		c.Query("afterCursor"),
		parseLimit(c.Query("limit"), 100, 1000),
	)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"conversations": toConversationDTOs(page.Rows),
		"nextCursor":    page.NextCursor,
	})
}

// GET /v1/admin/attachments?includeDeleted=&limit=
func (h *AdminHandler) ListAttachments(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.admin.ListAttachments(
		c.Request.Context(), caller,
		parseBool(c.Query("includeDeleted")),
		parseLimit(c.Query("limit"), 100, 1000),
	)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"attachments": toAttachmentDTOs(rows)})
}

type evictReq struct {
	RetentionPeriod string   `json:"retentionPeriod"`
	ResourceTypes   []string `json:"resourceTypes"`
	BatchSize       int      `json:"batchSize"`
	Justification   string   `json:"justification"`
}

// POST /v1/admin/evict
//
// Synchronous by default. With ?async=true or Accept: text/event-stream the
// handler streams progress events instead of blocking silently.
func (h *AdminHandler) Evict(c *gin.Context) {
	var req evictReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	opts := services.EvictOptions{
		ResourceTypes: req.ResourceTypes,
		BatchSize:     req.BatchSize,
		Justification: req.Justification,
	}
	if req.RetentionPeriod != "" {
		d, err := parseRetention(req.RetentionPeriod)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_retention_period", err)
			return
		}
		opts.RetentionPeriod = d
	}

	caller := ctxutil.GetRequestData(c.Request.Context())
	streaming := parseBool(c.Query("async")) ||
		strings.Contains(c.GetHeader("Accept"), "text/event-stream")

	if !streaming {
		if _, err := h.eviction.Evict(c.Request.Context(), caller, opts, nil); err != nil {
			response.RespondAPIError(c, err)
			return
		}
		response.RespondNoContent(c)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	report, err := h.eviction.Evict(c.Request.Context(), caller, opts, func(p services.EvictProgress) {
		writeSSE(c.Writer, "progress", p)
		c.Writer.Flush()
	})
	if err != nil {
		writeSSE(c.Writer, "error", gin.H{"message": err.Error()})
		c.Writer.Flush()
		return
	}
	writeSSE(c.Writer, "done", report)
	c.Writer.Flush()
}

// GET /v1/admin/memories?namespacePrefix=&limit=
func (h *AdminHandler) ListMemories(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	if caller == nil || (!caller.IsAdmin() && !caller.IsAuditor()) {
		response.RespondError(c, http.StatusForbidden, "forbidden", fmt.Errorf("operator role required"))
		return
	}
	rows, err := h.memories.Events(
		c.Request.Context(), caller,
		splitNamespace(c.Query("namespacePrefix")),
		parseLimit(c.Query("limit"), 100, 1000),
	)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"memories": rows})
}

// GET /v1/admin/memories/policies
func (h *AdminHandler) PolicyVersion(c *gin.Context) {
	response.RespondOK(c, gin.H{"version": h.memories.PolicyVersion()})
}

// PUT /v1/admin/memories/policies
//
// Body is the raw YAML ruleset. A compile failure leaves the previous
// version serving and returns 400.
func (h *AdminHandler) ReloadPolicy(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.memories.LoadPolicy(c.Request.Context(), caller, data); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"version": h.memories.PolicyVersion()})
}

// GET /v1/admin/audit?limit=
func (h *AdminHandler) ListAudit(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.audit.List(c.Request.Context(), caller, parseLimit(c.Query("limit"), 100, 1000))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"records": rows})
}

func writeSSE(w io.Writer, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// parseRetention accepts Go duration strings and the common ISO 8601 forms
// clients send, e.g. "P90D" and "PT12H".
func parseRetention(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty retention period")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	upper := strings.ToUpper(raw)
	if !strings.HasPrefix(upper, "P") {
		return 0, fmt.Errorf("unrecognized retention period %q", raw)
	}
	body := upper[1:]
	var total time.Duration
	timePart := false
	num := ""
	for _, r := range body {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			timePart = true
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("unrecognized retention period %q", raw)
			}
			num = ""
			switch {
			case r == 'D' && !timePart:
				total += time.Duration(n) * 24 * time.Hour
			case r == 'W' && !timePart:
				total += time.Duration(n) * 7 * 24 * time.Hour
			case r == 'H' && timePart:
				total += time.Duration(n) * time.Hour
			case r == 'M' && timePart:
				total += time.Duration(n) * time.Minute
			case r == 'S' && timePart:
				total += time.Duration(n) * time.Second
			default:
				return 0, fmt.Errorf("unrecognized retention period %q", raw)
			}
		}
	}
	if num != "" || total == 0 {
		return 0, fmt.Errorf("unrecognized retention period %q", raw)
	}
	return total, nil
}
