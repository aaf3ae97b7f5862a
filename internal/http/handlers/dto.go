package handlers

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

// Wire DTOs. Group ids are an internal sharing detail and never serialized;
// memberships and fork listings are addressed through a conversation id.

type ConversationDTO struct {
	ID                     uuid.UUID      `json:"id"`
	Title                  string         `json:"title"`
	Metadata               datatypes.JSON `json:"metadata,omitempty"`
	Epoch                  int64          `json:"epoch"`
	ForkedAtConversationID *uuid.UUID     `json:"forkedAtConversationId,omitempty"`
	ForkedAtEntryID        *uuid.UUID     `json:"forkedAtEntryId,omitempty"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
	DeletedAt              *time.Time     `json:"deletedAt,omitempty"`
}

func toConversationDTO(c *types.Conversation) ConversationDTO {
	dto := ConversationDTO{
		ID:                     c.ID,
		Title:                  c.Title,
		Metadata:               c.Metadata,
		Epoch:                  c.Epoch,
		ForkedAtConversationID: c.ForkedAtConversationID,
		ForkedAtEntryID:        c.ForkedAtEntryID,
		CreatedAt:              c.CreatedAt,
		UpdatedAt:              c.UpdatedAt,
	}
	if c.DeletedAt.Valid {
		t := c.DeletedAt.Time
		dto.DeletedAt = &t
	}
	return dto
}

func toConversationDTOs(rows []*types.Conversation) []ConversationDTO {
	out := make([]ConversationDTO, 0, len(rows))
	for _, c := range rows {
		out = append(out, toConversationDTO(c))
	}
	return out
}

type EntryDTO struct {
	ID                     uuid.UUID      `json:"id"`
	ConversationID         uuid.UUID      `json:"conversationId"`
	Channel                types.Channel  `json:"channel"`
	ContentType            string         `json:"contentType,omitempty"`
	Content                datatypes.JSON `json:"content"`
	Role                   string         `json:"role,omitempty"`
	UserID                 *uuid.UUID     `json:"userId,omitempty"`
	ClientID               string         `json:"clientId,omitempty"`
	Epoch                  int64          `json:"epoch"`
	ForkedAtConversationID *uuid.UUID     `json:"forkedAtConversationId,omitempty"`
	ForkedAtEntryID        *uuid.UUID     `json:"forkedAtEntryId,omitempty"`
	CreatedAt              time.Time      `json:"createdAt"`
}

func toEntryDTO(e *types.Entry) EntryDTO {
	return EntryDTO{
		ID:                     e.ID,
		ConversationID:         e.ConversationID,
		Channel:                e.Channel,
		ContentType:            e.ContentType,
		Content:                e.Content,
		Role:                   e.Role,
		UserID:                 e.UserID,
		ClientID:               e.ClientID,
		Epoch:                  e.Epoch,
		ForkedAtConversationID: e.ForkedAtConversationID,
		ForkedAtEntryID:        e.ForkedAtEntryID,
		CreatedAt:              e.CreatedAt,
	}
}

func toEntryDTOs(rows []*types.Entry) []EntryDTO {
	out := make([]EntryDTO, 0, len(rows))
	for _, e := range rows {
		out = append(out, toEntryDTO(e))
	}
	return out
}

type MembershipDTO struct {
	ID             uuid.UUID         `json:"id"`
	ConversationID uuid.UUID         `json:"conversationId"`
	UserID         uuid.UUID         `json:"userId"`
	AccessLevel    types.AccessLevel `json:"accessLevel"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func toMembershipDTO(conversationID uuid.UUID, m *types.ConversationMembership) MembershipDTO {
	return MembershipDTO{
		ID:             m.ID,
		ConversationID: conversationID,
		UserID:         m.UserID,
		AccessLevel:    m.AccessLevel,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

type TransferDTO struct {
	ID         uuid.UUID `json:"id"`
	FromUserID uuid.UUID `json:"fromUserId"`
	ToUserID   uuid.UUID `json:"toUserId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toTransferDTO(t *types.OwnershipTransfer) TransferDTO {
	return TransferDTO{
		ID:         t.ID,
		FromUserID: t.FromUserID,
		ToUserID:   t.ToUserID,
		CreatedAt:  t.CreatedAt,
	}
}

type AttachmentDTO struct {
	ID          uuid.UUID  `json:"id"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"contentType,omitempty"`
	Size        *int64     `json:"size,omitempty"`
	SHA256      string     `json:"sha256,omitempty"`
	Status      string     `json:"status"`
	EntryID     *uuid.UUID `json:"entryId,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

func toAttachmentDTO(a *types.Attachment) AttachmentDTO {
	dto := AttachmentDTO{
		ID:          a.ID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		SHA256:      a.SHA256,
		Status:      a.Status,
		EntryID:     a.EntryID,
		ExpiresAt:   a.ExpiresAt,
		CreatedAt:   a.CreatedAt,
	}
	if a.DeletedAt.Valid {
		t := a.DeletedAt.Time
		dto.DeletedAt = &t
	}
	return dto
}

func toAttachmentDTOs(rows []*types.Attachment) []AttachmentDTO {
	out := make([]AttachmentDTO, 0, len(rows))
	for _, a := range rows {
		out = append(out, toAttachmentDTO(a))
	}
	return out
}

type SearchResultDTO struct {
	EntryID           uuid.UUID `json:"entryId"`
	ConversationID    uuid.UUID `json:"conversationId"`
	ConversationTitle string    `json:"conversationTitle,omitempty"`
	Score             float64   `json:"score"`
	Highlights        []string  `json:"highlights,omitempty"`
	Entry             *EntryDTO `json:"entry,omitempty"`
}

func toSearchResultDTOs(rows []services.SearchResult) []SearchResultDTO {
	out := make([]SearchResultDTO, 0, len(rows))
	for _, r := range rows {
		dto := SearchResultDTO{
			EntryID:           r.EntryID,
			ConversationID:    r.ConversationID,
			ConversationTitle: r.ConversationTitle,
			Score:             r.Score,
			Highlights:        r.Highlights,
		}
		if r.Entry != nil {
			e := toEntryDTO(r.Entry)
			dto.Entry = &e
		}
		out = append(out, dto)
	}
	return out
}
