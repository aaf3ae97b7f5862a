package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

type APIError struct {
	Message    string             `json:"message"`
	Code       string             `json:"code,omitempty"`
	Violations []apierr.Violation `json:"violations,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondAPIError maps service errors onto the wire taxonomy. Anything that
// is not an apierr becomes an opaque 500.
func RespondAPIError(c *gin.Context, err error) {
	if ae := apierr.As(err); ae != nil {
		c.JSON(ae.Status, ErrorEnvelope{
			Error: APIError{
				Message:    ae.Error(),
				Code:       ae.Code,
				Violations: ae.Violations,
			},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorEnvelope{
		Error: APIError{
			Message: "internal error",
			Code:    apierr.CodeInternal,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}

func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
