package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/recollect-ai/recollect-backend/internal/http/response"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

type SyncHandler struct {
	sync services.SyncService
}

func NewSyncHandler(sync services.SyncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

type syncEntryReq struct {
	ContentType    string         `json:"contentType"`
	Content        datatypes.JSON `json:"content"`
	IndexedContent string         `json:"indexedContent"`
	Role           string         `json:"role"`
}

type syncReq struct {
	Entries []syncEntryReq `json:"entries"`
}

// POST /v1/conversations/:id/sync
//
// The client sends its full memory transcript. The response reports whether
// the server appended a suffix, detected divergence and advanced the epoch,
// or found nothing to do.
func (h *SyncHandler) Sync(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req syncReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	incoming := make([]services.SyncEntryInput, 0, len(req.Entries))
	for _, e := range req.Entries {
		incoming = append(incoming, services.SyncEntryInput{
			ContentType:    e.ContentType,
			Content:        e.Content,
			IndexedContent: e.IndexedContent,
			Role:           e.Role,
		})
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	clientID := ""
	if caller != nil {
		clientID = caller.ClientID
	}
	out, err := h.sync.SyncConversationMemory(c.Request.Context(), caller, id, incoming, clientID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"noOp":             out.NoOp,
		"epochIncremented": out.EpochIncremented,
		"epoch":            out.Epoch,
		"entries":          toEntryDTOs(out.Entries),
	})
}
