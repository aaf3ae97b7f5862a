package app

import (
	"github.com/recollect-ai/recollect-backend/internal/http/middleware"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

func wireMiddleware(log *logger.Logger, s Services) *middleware.AuthMiddleware {
	return middleware.NewAuthMiddleware(log, s.Identity)
}
