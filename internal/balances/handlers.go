package balances

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyledger/internal/amount"
	"github.com/mbd888/bountyledger/internal/logging"
	"github.com/mbd888/bountyledger/internal/validation"
)

// Handler provides HTTP endpoints for balances.
type Handler struct {
	book *Book
}

// NewHandler creates a new balance handler.
func NewHandler(book *Book) *Handler {
	return &Handler{book: book}
}

// RegisterRoutes sets up public balance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances/:address", validation.AddressParamMiddleware(), h.GetBalance)
	r.GET("/balances/:address/history", validation.AddressParamMiddleware(), h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only balance routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.RecordDeposit)
}

// BalanceView is the JSON form of a Balance.
type BalanceView struct {
	Address      string `json:"address"`
	Available    string `json:"available"`
	AvailableWei string `json:"availableWei"`
	Deposited    string `json:"deposited"`
	Escrowed     string `json:"escrowed"`
	Received     string `json:"received"`
}

func newBalanceView(b *Balance) BalanceView {
	return BalanceView{
		Address:      b.Address.Hex(),
		Available:    amount.Format(b.Available),
		AvailableWei: b.Available.Dec(),
		Deposited:    amount.Format(b.Deposited),
		Escrowed:     amount.Format(b.Escrowed),
		Received:     amount.Format(b.Received),
	}
}

// EntryView is the JSON form of an Entry.
type EntryView struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
	CreatedAt string `json:"createdAt"`
}

// GetBalance handles GET /v1/balances/:address
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.book.GetBalance(c.Request.Context(), common.HexToAddress(c.Param("address")))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to read balance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": newBalanceView(bal)})
}

// GetHistory handles GET /v1/balances/:address/history?limit=N
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.book.GetHistory(c.Request.Context(), common.HexToAddress(c.Param("address")), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to read balance history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance history",
		})
		return
	}

	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, EntryView{
			ID:        e.ID,
			Type:      string(e.Type),
			Amount:    amount.Format(e.Amount),
			Reference: e.Reference,
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": views, "count": len(views)})
}

// DepositRequest records an operator-confirmed deposit.
type DepositRequest struct {
	Address   string `json:"address" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// RecordDeposit handles POST /v1/admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address, amount and reference are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("reference", req.Reference, 256),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amt, _ := amount.Parse(req.Amount)
	bal, err := h.book.Deposit(c.Request.Context(), common.HexToAddress(req.Address), amt, req.Reference)
	switch {
	case errors.Is(err, ErrDuplicateEntry):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_deposit",
			"message": "A deposit with this reference was already recorded",
		})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("failed to record deposit", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_failed",
			"message": "Failed to record deposit",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"balance": newBalanceView(bal)})
}
