package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/http/response"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

type ConversationHandler struct {
	conversations services.ConversationService
}

func NewConversationHandler(conversations services.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

type createConversationReq struct {
	Title    string         `json:"title"`
	Metadata datatypes.JSON `json:"metadata"`
}

// POST /v1/conversations
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	conv, err := h.conversations.Create(c.Request.Context(), caller, services.CreateConversationInput{
		Title:    req.Title,
		Metadata: req.Metadata,
	})
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"conversation": toConversationDTO(conv)})
}

// GET /v1/conversations?mode=latest-fork|roots|all&query=&afterCursor=&limit=20
func (h *ConversationHandler) List(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	limit := parseLimit(c.Query("limit"), 20, 200)
	page, err := h.conversations.List(
		c.Request.Context(), caller,
		repos.ListMode(c.Query("mode")),
		c.Query("query"),
		c.Query("afterCursor"),
		limit,
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

// GET /v1/conversations/:id
func (h *ConversationHandler) Get(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	conv, err := h.conversations.Get(c.Request.Context(), caller, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"conversation": toConversationDTO(conv)})
}

type updateConversationReq struct {
	Title    *string        `json:"title"`
	Metadata datatypes.JSON `json:"metadata"`
}

// PATCH /v1/conversations/:id
func (h *ConversationHandler) Update(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req updateConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	conv, err := h.conversations.Update(c.Request.Context(), caller, id, req.Title, req.Metadata)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"conversation": toConversationDTO(conv)})
}

// DELETE /v1/conversations/:id
//
// Soft-deletes the entire fork tree the conversation belongs to, not just
// the addressed branch.
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.conversations.Delete(c.Request.Context(), caller, id); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// GET /v1/conversations/:id/entries?channel=&epoch=latest|all|<n>&forks=&afterEntryId=&limit=
func (h *ConversationHandler) ListEntries(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	in := services.ListEntriesInput{
		Channel: types.Channel(strings.ToUpper(strings.TrimSpace(c.Query("channel")))),
		Epoch:   repos.EpochLatest,
		Forks:   parseBool(c.Query("forks")),
		Limit:   parseLimit(c.Query("limit"), 100, 1000),
	}
	switch e := strings.TrimSpace(c.Query("epoch")); e {
	case "", "latest":
	case "all":
		in.Epoch = repos.EpochAll
	default:
		n, err := strconv.ParseInt(e, 10, 64)
		if err != nil || n < 1 {
			response.RespondError(c, http.StatusBadRequest, "invalid_epoch", errInvalidParam("epoch"))
			return
		}
		in.Epoch = n
	}
	if v := strings.TrimSpace(c.Query("afterEntryId")); v != "" {
		after, err := uuid.Parse(v)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_after_entry_id", err)
			return
		}
		in.AfterEntryID = &after
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.conversations.ListEntries(c.Request.Context(), caller, id, in)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"entries": toEntryDTOs(rows)})
}

type appendEntryReq struct {
	Channel                string         `json:"channel"`
	ContentType            string         `json:"contentType"`
	Content                datatypes.JSON `json:"content"`
	IndexedContent         string         `json:"indexedContent"`
	Role                   string         `json:"role"`
	ForkedAtConversationID *uuid.UUID     `json:"forkedAtConversationId"`
	ForkedAtEntryID        *uuid.UUID     `json:"forkedAtEntryId"`
}

type appendEntriesReq struct {
	Entries []appendEntryReq `json:"entries"`
}

// POST /v1/conversations/:id/entries
func (h *ConversationHandler) AppendEntries(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req appendEntriesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	inputs := make([]services.AppendEntryInput, 0, len(req.Entries))
	for _, e := range req.Entries {
		inputs = append(inputs, services.AppendEntryInput{
			Channel:                types.Channel(strings.ToUpper(strings.TrimSpace(e.Channel))),
			ContentType:            e.ContentType,
			Content:                e.Content,
			IndexedContent:         e.IndexedContent,
			Role:                   e.Role,
			ForkedAtConversationID: e.ForkedAtConversationID,
			ForkedAtEntryID:        e.ForkedAtEntryID,
		})
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.conversations.AppendEntries(c.Request.Context(), caller, id, inputs)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"entries": toEntryDTOs(rows)})
}

// GET /v1/conversations/:id/forks
func (h *ConversationHandler) ListForks(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.conversations.ListForks(c.Request.Context(), caller, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"forks": toConversationDTOs(rows)})
}

// GET /v1/conversations/:id/memberships
func (h *ConversationHandler) ListMemberships(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.conversations.ListMemberships(c.Request.Context(), caller, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	out := make([]MembershipDTO, 0, len(rows))
	for _, m := range rows {
		out = append(out, toMembershipDTO(id, m))
	}
	response.RespondOK(c, gin.H{"memberships": out})
}

type shareReq struct {
	UserID      uuid.UUID `json:"userId"`
	AccessLevel string    `json:"accessLevel"`
}

// POST /v1/conversations/:id/memberships
func (h *ConversationHandler) Share(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req shareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	m, err := h.conversations.Share(c.Request.Context(), caller, id, req.UserID, types.AccessLevel(req.AccessLevel))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"membership": toMembershipDTO(id, m)})
}

type updateMembershipReq struct {
	AccessLevel string `json:"accessLevel"`
}

// PATCH /v1/conversations/:id/memberships/:userId
func (h *ConversationHandler) UpdateMembership(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	membershipID, ok := h.membershipIDForUser(c, id)
	if !ok {
		return
	}
	var req updateMembershipReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.conversations.UpdateMembership(c.Request.Context(), caller, id, membershipID, types.AccessLevel(req.AccessLevel)); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// DELETE /v1/conversations/:id/memberships/:userId
func (h *ConversationHandler) DeleteMembership(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	membershipID, ok := h.membershipIDForUser(c, id)
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.conversations.DeleteMembership(c.Request.Context(), caller, id, membershipID); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// membershipIDForUser resolves the :userId path segment to the membership
// row id the service operates on. Memberships are addressed by user at the
// API surface.
func (h *ConversationHandler) membershipIDForUser(c *gin.Context, conversationID uuid.UUID) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_user_id", err)
		return uuid.Nil, false
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.conversations.ListMemberships(c.Request.Context(), caller, conversationID)
	if err != nil {
		response.RespondAPIError(c, err)
		return uuid.Nil, false
	}
	for _, m := range rows {
		if m.UserID == userID {
			return m.ID, true
		}
	}
	response.RespondError(c, http.StatusNotFound, "not_found", errMembershipNotFound)
	return uuid.Nil, false
}

type createTransferReq struct {
	ConversationID uuid.UUID `json:"conversationId"`
	ToUserID       uuid.UUID `json:"toUserId"`
}

// POST /v1/ownership-transfers
func (h *ConversationHandler) CreateTransfer(c *gin.Context) {
	var req createTransferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	t, err := h.conversations.CreateTransfer(c.Request.Context(), caller, req.ConversationID, req.ToUserID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"transfer": toTransferDTO(t)})
}

// GET /v1/ownership-transfers
func (h *ConversationHandler) ListTransfers(c *gin.Context) {
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.conversations.ListTransfers(c.Request.Context(), caller)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	out := make([]TransferDTO, 0, len(rows))
	for _, t := range rows {
		out = append(out, toTransferDTO(t))
	}
	response.RespondOK(c, gin.H{"transfers": out})
}

// POST /v1/ownership-transfers/:id/accept
func (h *ConversationHandler) AcceptTransfer(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.conversations.AcceptTransfer(c.Request.Context(), caller, id); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// DELETE /v1/ownership-transfers/:id
func (h *ConversationHandler) DeleteTransfer(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	if err := h.conversations.DeleteTransfer(c.Request.Context(), caller, id); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondNoContent(c)
}
