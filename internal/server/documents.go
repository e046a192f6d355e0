package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	documentdomain "github.com/mprovost129/ez360pm/internal/document/domain"
	"github.com/mprovost129/ez360pm/pkg/db/option"
)

func (s *Server) ListDocuments(c *gin.Context) {
	tenantID, err := snowflake.ParseString(c.Query("tenant_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	filter := documentdomain.ListFilter{
		TenantID: tenantID,
		Category: c.Query("category"),
	}
	if status := c.Query("status"); status != "" {
		st := documentdomain.Status(status)
		if !st.Valid() {
			AbortWithError(c, documentdomain.ErrInvalidStatus)
			return
		}
		filter.Status = st
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter.Options = append(filter.Options,
		option.WithSortBy(option.QuerySortBy{
			Field: c.Query("sort_by"),
			Desc:  c.Query("order") == "desc",
			Allow: map[string]bool{"created_at": true, "issue_date": true, "due_date": true},
		}),
		option.WithLimit(limit, offset),
	)

	docs, err := s.docSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (s *Server) GetDocument(c *gin.Context) {
	tenantID, err := snowflake.ParseString(c.Query("tenant_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	docID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	doc, err := s.docSvc.GetByID(c.Request.Context(), tenantID, docID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}
