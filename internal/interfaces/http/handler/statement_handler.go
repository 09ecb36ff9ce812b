package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appbilling "github.com/briefly/metering/internal/application/billing"
)

// StatementHandler serves monthly usage statements and their PDF files
type StatementHandler struct {
	BaseHandler
	statements StatementSource
	logger     *zap.Logger
}

// StatementSource generates and serves usage statements. The statement
// service satisfies it.
type StatementSource interface {
	GenerateStatement(ctx context.Context, tenantID uuid.UUID, month time.Time, force bool) (*appbilling.StatementResponse, error)
	GetStatement(ctx context.Context, tenantID, statementID uuid.UUID) (*appbilling.StatementResponse, error)
	ListStatements(ctx context.Context, tenantID uuid.UUID, limit int) ([]appbilling.StatementResponse, error)
	OpenStatementFile(ctx context.Context, tenantID, statementID uuid.UUID) (io.ReadCloser, *appbilling.StatementResponse, error)
}

// NewStatementHandler creates a new statement handler
func NewStatementHandler(statements StatementSource, logger *zap.Logger) *StatementHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatementHandler{
		statements: statements,
		logger:     logger,
	}
}

// GenerateStatementRequest asks for a statement to be generated
//
//	@Description	Statement generation request
type GenerateStatementRequest struct {
	Month string `json:"month,omitempty" example:"2026-07"`
	Force bool   `json:"force,omitempty" example:"false"`
}

// ListStatements godoc
//
//	@ID				listStatements
//	@Summary		List usage statements
//	@Description	Lists the tenant's usage statements, newest billing period first.
//	@Tags			statements
//	@Produce		json
//	@Param			limit	query		int	false	"Maximum statements to return"	default(24)
//	@Success		200		{object}	APIResponse[[]appbilling.StatementResponse]
//	@Failure		401		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/statements [get]
func (h *StatementHandler) ListStatements(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, parseErr := strconv.Atoi(v)
		if parseErr != nil || parsed < 1 {
			h.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	statements, err := h.statements.ListStatements(c.Request.Context(), tenantID, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if statements == nil {
		statements = []appbilling.StatementResponse{}
	}

	h.Success(c, statements)
}

// GenerateStatement godoc
//
//	@ID				generateStatement
//	@Summary		Generate a usage statement
//	@Description	Renders the tenant's usage statement for one billing month as a PDF. Defaults to the previous calendar month. A completed statement for the same month is returned as-is unless force is set.
//	@Tags			statements
//	@Accept			json
//	@Produce		json
//	@Param			request	body		GenerateStatementRequest	false	"Billing month (YYYY-MM)"
//	@Success		201		{object}	APIResponse[appbilling.StatementResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/statements [post]
func (h *StatementHandler) GenerateStatement(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	var req GenerateStatementRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}

	month, err := parseMonthParam(req.Month)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	statement, err := h.statements.GenerateStatement(c.Request.Context(), tenantID, month, req.Force)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, statement)
}

// GetStatement godoc
//
//	@ID				getStatement
//	@Summary		Get a usage statement
//	@Description	Returns one statement's metadata, including its rendering status and file details once completed.
//	@Tags			statements
//	@Produce		json
//	@Param			id	path		string	true	"Statement ID"	format(uuid)
//	@Success		200	{object}	APIResponse[appbilling.StatementResponse]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/statements/{id} [get]
func (h *StatementHandler) GetStatement(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	statementID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid statement ID")
		return
	}

	statement, err := h.statements.GetStatement(c.Request.Context(), tenantID, statementID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, statement)
}

// DownloadStatement godoc
//
//	@ID				downloadStatement
//	@Summary		Download a statement PDF
//	@Description	Streams the rendered PDF of a completed statement.
//	@Tags			statements
//	@Produce		application/pdf
//	@Param			id	path		string	true	"Statement ID"	format(uuid)
//	@Success		200	{file}		binary
//	@Failure		400	{object}	ErrorResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/statements/{id}/download [get]
func (h *StatementHandler) DownloadStatement(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	statementID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid statement ID")
		return
	}

	file, statement, err := h.statements.OpenStatementFile(c.Request.Context(), tenantID, statementID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	defer file.Close()

	filename := fmt.Sprintf("statement-%s.pdf", statement.PeriodLabel)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	if statement.FileSizeBytes > 0 {
		c.DataFromReader(http.StatusOK, statement.FileSizeBytes, "application/pdf", file, nil)
		return
	}

	c.Header("Content-Type", "application/pdf")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, file); err != nil {
		h.logger.Warn("Statement download aborted mid-stream",
			zap.String("tenant_id", tenantID.String()),
			zap.String("statement_id", statementID.String()),
			zap.Error(err))
	}
}
