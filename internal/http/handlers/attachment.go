package handlers

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/http/response"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

type AttachmentHandler struct {
	log         *logger.Logger
	attachments services.AttachmentService
}

func NewAttachmentHandler(log *logger.Logger, attachments services.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{
		log:         log.With("handler", "AttachmentHandler"),
		attachments: attachments,
	}
}

type createAttachmentReq struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// POST /v1/attachments
//
// Phase one of the two-phase upload: create the metadata row and hand back
// the url the bytes go to.
func (h *AttachmentHandler) Create(c *gin.Context) {
	var req createAttachmentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	row, uploadURL, err := h.attachments.CreateUpload(c.Request.Context(), caller, req.Filename, req.ContentType)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{
		"attachmentId": row.ID,
		"uploadUrl":    uploadURL,
		"attachment":   toAttachmentDTO(row),
	})
}

// PUT /v1/attachments/:id/content
func (h *AttachmentHandler) UploadContent(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	row, err := h.attachments.UploadContent(c.Request.Context(), caller, id, c.Request.Body)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"attachment": toAttachmentDTO(row)})
}

// GET /v1/attachments
func (h *AttachmentHandler) List(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.attachments.List(c.Request.Context(), caller, parseLimit(c.Query("limit"), 20, 200))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"attachments": toAttachmentDTOs(rows)})
}

// GET /v1/attachments/:id
//
// Serves the bytes with a content-hash ETag. A matching If-None-Match short
// circuits to 304 before the blob store is touched.
func (h *AttachmentHandler) Download(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())

	row, err := h.attachments.Get(c.Request.Context(), caller, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	etag := services.ETagFor(row)
	if etag != "" && services.ETagMatches(c.GetHeader("If-None-Match"), etag) {
		c.Header("ETag", etag)
		c.Header("Cache-Control", "private, max-age=86400, immutable")
		c.Status(http.StatusNotModified)
		return
	}

	_, rc, err := h.attachments.Open(c.Request.Context(), caller, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	defer rc.Close()

	h.writeContent(c, row, rc, etag, "private, max-age=86400, immutable")
}

// DELETE /v1/attachments/:id
func (h *AttachmentHandler) Delete(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.attachments.Delete(c.Request.Context(), caller, id); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}

type linkAttachmentReq struct {
	EntryID uuid.UUID `json:"entryId"`
}

// POST /v1/attachments/:id/link
func (h *AttachmentHandler) Link(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req linkAttachmentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.attachments.LinkToEntry(c.Request.Context(), caller, id, req.EntryID); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// POST /v1/attachments/:id/unlink
func (h *AttachmentHandler) Unlink(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.attachments.Unlink(c.Request.Context(), caller, id); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// GET /v1/attachments/:id/download-url?expiresInSeconds=900
func (h *AttachmentHandler) DownloadURL(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	row, err := h.attachments.Get(c.Request.Context(), caller, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}

	ttl := 15 * time.Minute
	if v := c.Query("expiresInSeconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 86400 {
			response.RespondError(c, http.StatusBadRequest, "invalid_expiry", errInvalidParam("expiresInSeconds"))
			return
		}
		ttl = time.Duration(n) * time.Second
	}
	expiresAt := time.Now().Add(ttl)
	token := h.attachments.SignToken(row.ID, expiresAt)
	response.RespondOK(c, gin.H{
		"url":       fmt.Sprintf("/v1/attachments/download/%s/%s", token, url.PathEscape(row.Filename)),
		"expiresAt": expiresAt.UTC(),
	})
}

// GET /v1/attachments/download/:token/:filename
//
// Unauthenticated; the token alone authorizes the read. Cache lifetime is
// capped at the token expiry so a shared link never outlives its grant.
func (h *AttachmentHandler) DownloadByToken(c *gin.Context) {
	row, rc, expiresAt, err := h.attachments.OpenByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	defer rc.Close()

	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	if maxAge > 86400 {
		maxAge = 86400
	}
	h.writeContent(c, row, rc, services.ETagFor(row), fmt.Sprintf("private, max-age=%d", maxAge))
}

func (h *AttachmentHandler) writeContent(c *gin.Context, row *types.Attachment, rc io.Reader, etag, cacheControl string) {
	if etag != "" {
		c.Header("ETag", etag)
	}
	c.Header("Cache-Control", cacheControl)
	contentType := row.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	if row.Size != nil {
		c.Header("Content-Length", strconv.FormatInt(*row.Size, 10))
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", row.Filename))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.log.Warn("Attachment stream interrupted", "attachment_id", row.ID, "error", err)
	}
}
