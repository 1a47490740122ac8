package battles

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arena/internal/logging"
	"github.com/mbd888/arena/internal/pagination"
)

// Handler provides HTTP endpoints for invitations and battles.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new battles handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up invitation and battle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invitations", h.CreateInvitation)
	r.GET("/invitations", h.ListInvitations)
	r.GET("/invitations/:id", h.GetInvitation)
	r.POST("/invitations/:id/accept", h.AcceptInvitation)
	r.POST("/invitations/:id/decline", h.DeclineInvitation)

	r.GET("/battles", h.ListBattles)
	r.GET("/battles/:id", h.GetBattle)
	r.POST("/battles/:id/complete", h.CompleteBattle)
}

// CreateInvitation handles POST /v1/invitations
func (h *Handler) CreateInvitation(c *gin.Context) {
	var req CreateInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	inv, err := h.service.CreateInvitation(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invitation": inv})
}

// GetInvitation handles GET /v1/invitations/:id
func (h *Handler) GetInvitation(c *gin.Context) {
	inv, err := h.service.GetInvitation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitation": inv})
}

// ListInvitations handles GET /v1/invitations?userId=&status=&limit=&cursor=
func (h *Handler) ListInvitations(c *gin.Context) {
	opts, ok := parseListOptions(c)
	if !ok {
		return
	}
	limit := opts.Limit
	opts.Limit = limit + 1

	invs, err := h.service.ListInvitations(c.Request.Context(), opts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	page := pagination.ComputePage(invs, limit, func(i *Invitation) (time.Time, string) {
		return i.CreatedAt, i.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"invitations": page.Items,
		"count":       len(page.Items),
		"nextCursor":  page.NextCursor,
		"hasMore":     page.HasMore,
	})
}

// AcceptInvitation handles POST /v1/invitations/:id/accept
func (h *Handler) AcceptInvitation(c *gin.Context) {
	battle, err := h.service.AcceptInvitation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"battle": battle})
}

// DeclineInvitation handles POST /v1/invitations/:id/decline
func (h *Handler) DeclineInvitation(c *gin.Context) {
	inv, err := h.service.DeclineInvitation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitation": inv})
}

// GetBattle handles GET /v1/battles/:id
func (h *Handler) GetBattle(c *gin.Context) {
	battle, err := h.service.GetBattle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"battle": battle})
}

// ListBattles handles GET /v1/battles?userId=&status=&limit=&cursor=
func (h *Handler) ListBattles(c *gin.Context) {
	opts, ok := parseListOptions(c)
	if !ok {
		return
	}
	limit := opts.Limit
	opts.Limit = limit + 1

	list, err := h.service.ListBattles(c.Request.Context(), opts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	page := pagination.ComputePage(list, limit, func(b *Battle) (time.Time, string) {
		return b.StartedAt, b.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"battles":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// CompleteBattle handles POST /v1/battles/:id/complete
func (h *Handler) CompleteBattle(c *gin.Context) {
	var req CompleteBattleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WinnerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winnerId is required",
		})
		return
	}

	battle, err := h.service.CompleteBattle(c.Request.Context(), c.Param("id"), req.WinnerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"battle": battle})
}

func parseListOptions(c *gin.Context) (ListOptions, bool) {
	opts := ListOptions{
		UserID: c.Query("userId"),
		Status: c.Query("status"),
		// one below the store cap leaves room for the has-more probe
		Limit: pagination.ParseLimit(c.Query("limit"), defaultListLimit, maxListLimit-1),
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return opts, false
	}
	opts.Cursor = cursor
	return opts, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "insufficient_funds",
			"message":  err.Error(),
			"party":    insufficient.Party,
			"userId":   insufficient.UserID,
			"balance":  insufficient.Balance,
			"required": insufficient.Required,
		})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrInvitationNotFound), errors.Is(err, ErrBattleNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUserNotFound):
		status, code = http.StatusNotFound, "user_not_found"
	case errors.Is(err, ErrInvitationExpired):
		status, code = http.StatusConflict, "invitation_expired"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrInvalidWinner):
		status, code = http.StatusBadRequest, "invalid_winner"
	case errors.Is(err, ErrInvalidStake), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrSelfChallenge):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrBusy):
		status, code = http.StatusServiceUnavailable, "busy"
	case errors.Is(err, ErrBalanceUnavailable):
		status, code = http.StatusServiceUnavailable, "balance_unavailable"
	}

	switch status {
	case http.StatusServiceUnavailable:
		c.Header("Retry-After", "1")
		c.JSON(status, gin.H{"error": code, "message": "Temporarily unavailable, retry later"})
	case http.StatusInternalServerError:
		logging.L(c.Request.Context(), h.logger).Error("battles request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
	default:
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
	}
}
