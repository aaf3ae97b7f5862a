package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/recollect-ai/recollect-backend/internal/http/response"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

type ResumeHandler struct {
	log     *logger.Logger
	resumer services.ResumerService
	proxy   *http.Client
}

func NewResumeHandler(log *logger.Logger, resumer services.ResumerService) *ResumeHandler {
	return &ResumeHandler{
		log:     log.With("handler", "ResumeHandler"),
		resumer: resumer,
		proxy:   &http.Client{},
	}
}

type resumeCheckReq struct {
	ConversationIDs []uuid.UUID `json:"conversationIds"`
}

// POST /v1/conversations/resume-check
func (h *ResumeHandler) ResumeCheck(c *gin.Context) {
	var req resumeCheckReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	ids, err := h.resumer.ResumeCheck(c.Request.Context(), caller, req.ConversationIDs)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	response.RespondOK(c, gin.H{"resumable": ids})
}

// GET /v1/conversations/:id/resume
//
// Replays every byte recorded so far, then keeps streaming live appends
// until the writer closes. When the recording lives on another node the
// stream is proxied through verbatim.
func (h *ResumeHandler) Resume(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	src, err := h.resumer.Resume(c.Request.Context(), caller, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}

	if src.RemoteURL != "" {
		h.proxyRemote(c, src.RemoteURL)
		return
	}

	tail := src.Local
	defer tail.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		line, err := tail.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, ctx.Err()) {
				h.log.Warn("Resume tail failed", "conversation_id", id, "error", err)
			}
			return
		}
		if _, err := c.Writer.Write(append(line, '\n')); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (h *ResumeHandler) proxyRemote(c *gin.Context, remoteURL string) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, remoteURL, nil)
	if err != nil {
		response.RespondError(c, http.StatusBadGateway, "resume_proxy_failed", err)
		return
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if key := c.GetHeader("X-API-Key"); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	res, err := h.proxy.Do(req)
	if err != nil {
		response.RespondError(c, http.StatusBadGateway, "resume_proxy_failed", err)
		return
	}
	defer res.Body.Close()

	c.Writer.Header().Set("Content-Type", res.Header.Get("Content-Type"))
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(res.StatusCode)

	buf := make([]byte, 4096)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			return
		}
	}
}

// POST /v1/conversations/:id/cancel
func (h *ResumeHandler) Cancel(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.resumer.Cancel(c.Request.Context(), caller, id); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}
