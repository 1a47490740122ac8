package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arena/internal/validation"
)

// Handler provides HTTP endpoints for user balances
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users", h.ListUsers)
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/history", h.GetHistory)
}

// RegisterAdminRoutes sets up routes that create or move money outside the
// battle flow. The surrounding application decides who may call them.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.OpenAccount)
	r.POST("/users/:id/adjust", h.Adjust)
}

const maxNameLength = 100

// OpenAccountRequest opens a user account with a starting balance.
type OpenAccountRequest struct {
	ID      string `json:"id" binding:"required"`
	Name    string `json:"name" binding:"required"`
	Balance int64  `json:"balance" binding:"gte=0"`
}

// AdjustRequest changes a balance by Delta.
type AdjustRequest struct {
	Delta     int64  `json:"delta" binding:"required"`
	Reference string `json:"reference" binding:"max=64"`
}

// ListUsers handles GET /users
func (h *Handler) ListUsers(c *gin.Context) {
	accounts, err := h.ledger.ListAccounts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users": accounts,
		"count": len(accounts),
	})
}

// OpenAccount handles POST /users
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Name = validation.SanitizeString(req.Name, maxNameLength)
	if errs := validation.Validate(
		validation.ValidID("id", req.ID),
		validation.Required("name", req.Name),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}

	acct, err := h.ledger.OpenAccount(c.Request.Context(), req.ID, req.Name, req.Balance)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": acct})
}

// GetBalance handles GET /users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	id := c.Param("id")
	balance, err := h.ledger.GetBalance(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":  id,
		"balance": balance,
	})
}

// Adjust handles POST /users/:id/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	acct, err := h.ledger.Adjust(c.Request.Context(), c.Param("id"), req.Delta, req.Reference)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": acct})
}

// GetHistory handles GET /users/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrAccountNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAccountExists):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, ErrBalanceOverflow):
		status, code = http.StatusUnprocessableEntity, "balance_overflow"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrInvalidReference):
		status, code = http.StatusBadRequest, "validation_error"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
