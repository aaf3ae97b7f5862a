package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recollect-ai/recollect-backend/internal/http/response"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

type SearchHandler struct {
	search services.SearchService
}

func NewSearchHandler(search services.SearchService) *SearchHandler {
	return &SearchHandler{search: search}
}

type searchReq struct {
	Query string `json:"query"`
	Type  string `json:"type"`
	Limit int    `json:"limit"`
}

// POST /v1/conversations/search
func (h *SearchHandler) Search(c *gin.Context) {
	var req searchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	searchType := services.SearchAuto
	switch req.Type {
	case "", string(services.SearchAuto):
	case string(services.SearchFulltext):
		searchType = services.SearchFulltext
	case string(services.SearchSemantic):
		searchType = services.SearchSemantic
	default:
		response.RespondError(c, http.StatusBadRequest, "invalid_search_type", errInvalidParam("type"))
		return
	}
	caller := ctxutil.GetRequestData(c.Request.Context())
	rows, err := h.search.Search(c.Request.Context(), caller, req.Query, req.Limit, searchType)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"results": toSearchResultDTOs(rows)})
}
