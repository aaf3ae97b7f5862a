package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/utils"
)

// IdentityService resolves a bearer credential plus an optional API key
// into the caller identity the rest of the service consumes.
type IdentityService interface {
	Resolve(ctx context.Context, bearerToken, apiKey string) (*ctxutil.RequestData, error)
}

type JWTClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"clientId,omitempty"`
}

type identityService struct {
	log          *logger.Logger
	jwtSecretKey string
	adminUsers   map[uuid.UUID]bool
	auditorUsers map[uuid.UUID]bool
	indexerUsers map[uuid.UUID]bool
}

func NewIdentityService(log *logger.Logger) (IdentityService, error) {
	serviceLog := log.With("service", "IdentityService")

	secret := utils.GetEnv("JWT_SECRET", "", serviceLog)
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}

	return &identityService{
		log:          serviceLog,
		jwtSecretKey: secret,
		adminUsers:   parseUserCSV(utils.GetEnv("ADMIN_USERS", "", serviceLog), serviceLog),
		auditorUsers: parseUserCSV(utils.GetEnv("AUDITOR_USERS", "", serviceLog), serviceLog),
		indexerUsers: parseUserCSV(utils.GetEnv("INDEXER_USERS", "", serviceLog), serviceLog),
	}, nil
}

func parseUserCSV(raw string, log *logger.Logger) map[uuid.UUID]bool {
	out := map[uuid.UUID]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			log.Warn("Skipping invalid user id in role CSV", "value", part)
			continue
		}
		out[id] = true
	}
	return out
}

func (s *identityService) Resolve(ctx context.Context, bearerToken, apiKey string) (*ctxutil.RequestData, error) {
	bearerToken = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearerToken), "Bearer "))
	if bearerToken == "" {
		return nil, apierr.Unauthorized("missing bearer token")
	}

	parsedToken, err := jwt.ParseWithClaims(bearerToken, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.jwtSecretKey), nil
	})
	if err != nil || !parsedToken.Valid {
		return nil, apierr.Unauthorized("invalid token")
	}
	claims, ok := parsedToken.Claims.(*JWTClaims)
	if !ok {
		return nil, apierr.Unauthorized("invalid token claims")
	}
	userID, err := uuid.Parse(strings.TrimSpace(claims.Subject))
	if err != nil {
		return nil, apierr.Unauthorized("invalid subject")
	}

	clientID := strings.TrimSpace(claims.ClientID)
	if k := strings.TrimSpace(apiKey); k != "" {
		// API key names the agent client; it never changes the user.
		clientID = k
	}

	roles := map[ctxutil.Role]bool{}
	if s.adminUsers[userID] {
		roles[ctxutil.RoleAdmin] = true
	}
	if s.auditorUsers[userID] {
		roles[ctxutil.RoleAuditor] = true
	}
	if s.indexerUsers[userID] {
		roles[ctxutil.RoleIndexer] = true
	}

	return &ctxutil.RequestData{
		UserID:   userID,
		ClientID: clientID,
		Roles:    roles,
	}, nil
}
