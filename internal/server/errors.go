package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billabledomain "github.com/mprovost129/ez360pm/internal/billable/domain"
	documentdomain "github.com/mprovost129/ez360pm/internal/document/domain"
	numberingdomain "github.com/mprovost129/ez360pm/internal/numbering/domain"
	recurringdomain "github.com/mprovost129/ez360pm/internal/recurring/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

// ErrorHandlingMiddleware converts errors attached to the context into
// one structured JSON error response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, billabledomain.ErrInvalidPolicy),
		errors.Is(err, billabledomain.ErrInvalidDateRange),
		errors.Is(err, numberingdomain.ErrInvalidPattern),
		errors.Is(err, numberingdomain.ErrInvalidResetPolicy),
		errors.Is(err, numberingdomain.ErrInvalidCategory),
		errors.Is(err, documentdomain.ErrInvalidStatus),
		errors.Is(err, recurringdomain.ErrInvalidFrequency):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, documentdomain.ErrDocumentNotFound),
		errors.Is(err, recurringdomain.ErrPlanNotFound),
		errors.Is(err, numberingdomain.ErrSchemeNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errors.Is(err, documentdomain.ErrNumberConflict),
		errors.Is(err, documentdomain.ErrNumberExhausted),
		errors.Is(err, billabledomain.ErrRecordAlreadyBilled):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}
