package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	recurringdomain "github.com/mprovost129/ez360pm/internal/recurring/domain"
)

type billingRunRequest struct {
	AsOfDate       string `json:"as_of_date"`
	TenantID       string `json:"tenant_id"`
	Limit          int    `json:"limit"`
	DryRun         bool   `json:"dry_run"`
	NotifyOverride string `json:"notify_override"`
}

// CreateBillingRun invokes one engine batch. The summary is returned
// even when individual plans failed; per-plan outcomes carry details.
func (s *Server) CreateBillingRun(c *gin.Context) {
	var body billingRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	req := recurringdomain.RunRequest{
		Limit:  body.Limit,
		DryRun: body.DryRun,
	}
	if body.AsOfDate != "" {
		asOf, err := time.Parse("2006-01-02", body.AsOfDate)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.AsOf = asOf
	}
	if body.TenantID != "" {
		tenantID, err := snowflake.ParseString(body.TenantID)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.TenantID = tenantID
	}
	switch recurringdomain.NotifyOverride(body.NotifyOverride) {
	case recurringdomain.NotifyDefault, recurringdomain.NotifyForce, recurringdomain.NotifySuppress:
		req.NotifyOverride = recurringdomain.NotifyOverride(body.NotifyOverride)
	default:
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	summary, err := s.engine.Run(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
