package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAuditor Role = "auditor"
	RoleIndexer Role = "indexer"
)

// RequestData is the resolved caller identity attached by the auth middleware.
// Everything downstream of the edge consumes this; token verification never
// leaks past it.
type RequestData struct {
	UserID   uuid.UUID
	ClientID string
	Roles    map[Role]bool
}

func (rd *RequestData) HasRole(r Role) bool {
	if rd == nil {
		return false
	}
	return rd.Roles[r]
}

func (rd *RequestData) IsAdmin() bool   { return rd.HasRole(RoleAdmin) }
func (rd *RequestData) IsAuditor() bool { return rd.HasRole(RoleAuditor) }

type requestDataKey struct{}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	rd, _ := ctx.Value(requestDataKey{}).(*RequestData)
	return rd
}
