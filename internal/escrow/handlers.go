package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/mbd888/bountyledger/internal/amount"
	"github.com/mbd888/bountyledger/internal/auth"
	"github.com/mbd888/bountyledger/internal/logging"
	"github.com/mbd888/bountyledger/internal/pagination"
	"github.com/mbd888/bountyledger/internal/validation"
)

// Handler provides HTTP endpoints for the bounty ledger.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bounties/expired", h.ListExpired)
	r.GET("/bounties/:id", h.GetBounty)
	r.GET("/bounties/:id/digest", h.GetDigest)
	r.GET("/beneficiaries/:address/bounties", validation.AddressParamMiddleware(), h.ListByBeneficiary)
	r.GET("/ledger/stats", h.GetStats)
	r.GET("/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up routes that act as the authenticated
// caller. Arbitrator routes are enforced by the ledger.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bounties", h.CreateBounty)
	r.POST("/bounties/:id/authorization", h.SubmitAuthorization)
	r.POST("/bounties/:id/claim", h.ClaimBounty)
	r.POST("/bounties/:id/dispute", h.DisputeBounty)
	r.POST("/bounties/:id/resolve", h.ResolveDispute)
	r.POST("/fees/collect", h.CollectFees)
	r.GET("/payouts", h.ListPayouts)
}

// BountyView is the API representation of a Record.
type BountyView struct {
	ID           uint64     `json:"id"`
	Beneficiary  string     `json:"beneficiary"`
	NetAmount    string     `json:"netAmount"`
	NetAmountWei string     `json:"netAmountWei"`
	Fee          string     `json:"fee"`
	Claimed      bool       `json:"claimed"`
	Disputed     bool       `json:"disputed"`
	State        string     `json:"state"`
	Reference    string     `json:"reference"`
	Authorized   bool       `json:"authorized"`
	Signature    string     `json:"signature,omitempty"`
	AuthorizedBy string     `json:"authorizedBy,omitempty"`
	Submitter    string     `json:"submitter,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	ClaimedAt    *time.Time `json:"claimedAt,omitempty"`
	Resolution   string     `json:"resolution,omitempty"`
}

// NewBountyView renders rec as of now.
func NewBountyView(rec *Record, now time.Time) BountyView {
	v := BountyView{
		ID:           rec.ID,
		Beneficiary:  rec.Beneficiary.Hex(),
		NetAmount:    amount.Format(rec.NetAmount),
		NetAmountWei: rec.NetAmount.Dec(),
		Fee:          amount.Format(rec.Fee),
		Claimed:      rec.Claimed,
		Disputed:     rec.Disputed,
		State:        rec.State(now),
		Reference:    rec.Reference,
		Authorized:   rec.Authorized(),
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		ClaimedAt:    rec.ClaimedAt,
		Resolution:   string(rec.Resolution),
	}
	if rec.Authorized() {
		v.Signature = hexutil.Encode(rec.Authorization)
		v.AuthorizedBy = rec.AuthorizedBy.Hex()
		v.Submitter = rec.Submitter.Hex()
	}
	return v
}

// PayoutView is the API representation of a Payout.
type PayoutView struct {
	ID        string    `json:"id"`
	BountyID  uint64    `json:"bountyId,omitempty"`
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	TxRef     string    `json:"txRef,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewPayoutView renders p.
func NewPayoutView(p *Payout) PayoutView {
	return PayoutView{
		ID:        p.ID,
		BountyID:  p.BountyID,
		Kind:      string(p.Kind),
		To:        p.To.Hex(),
		Amount:    amount.Format(p.Amount),
		Status:    string(p.Status),
		TxRef:     p.TxRef,
		Error:     p.Error,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// CreateBountyRequest is the body of POST /v1/bounties. Exactly one of
// Amount (tokens) and AmountWei is set; Duration is a Go duration string
// and DurationSeconds an alternative to it.
type CreateBountyRequest struct {
	Amount          string `json:"amount"`
	AmountWei       string `json:"amountWei"`
	Reference       string `json:"reference"`
	Duration        string `json:"duration"`
	DurationSeconds int64  `json:"durationSeconds"`
}

// CreateBounty handles POST /v1/bounties
func (h *Handler) CreateBounty(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}

	var req CreateBountyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid request body")
		return
	}

	if errs := validation.Validate(
		validation.Required("reference", req.Reference),
		validation.MaxLength("reference", req.Reference, MaxReferenceLength),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amt, err := parseAmount(req.Amount, req.AmountWei)
	if err != nil {
		invalidRequest(c, err.Error())
		return
	}
	d, err := parseDuration(req.Duration, req.DurationSeconds)
	if err != nil {
		invalidRequest(c, err.Error())
		return
	}

	rec, err := h.ledger.Create(c.Request.Context(), caller, CreateRequest{
		Amount:    amt,
		Reference: req.Reference,
		Duration:  d,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"bounty": NewBountyView(rec, h.ledger.Now())})
}

// GetBounty handles GET /v1/bounties/:id
func (h *Handler) GetBounty(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	rec, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bounty": NewBountyView(rec, h.ledger.Now())})
}

// GetDigest handles GET /v1/bounties/:id/digest?submitter=0x...
// It returns the message an authorizer signs for this submitter.
func (h *Handler) GetDigest(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	submitter := c.Query("submitter")
	if !validation.IsValidEthAddress(submitter) {
		invalidRequest(c, "submitter must be a valid address")
		return
	}

	rec, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	digest, err := AuthorizationDigest(rec.ID, common.HexToAddress(submitter), rec.Beneficiary, rec.Reference)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bountyId":      rec.ID,
		"submitter":     common.HexToAddress(submitter).Hex(),
		"beneficiary":   rec.Beneficiary.Hex(),
		"referenceHash": ReferenceHash(rec.Reference).Hex(),
		"digest":        digest.Hex(),
		"scheme":        "eip191",
	})
}

// ListByBeneficiary handles GET /v1/beneficiaries/:address/bounties
func (h *Handler) ListByBeneficiary(c *gin.Context) {
	who := common.HexToAddress(c.Param("address"))

	recs, err := h.ledger.ListByBeneficiary(c.Request.Context(), who)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondPage(c, recs)
}

// ListExpired handles GET /v1/bounties/expired
func (h *Handler) ListExpired(c *gin.Context) {
	recs, err := h.ledger.ListExpiredUnclaimed(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondPage(c, recs)
}

// respondPage writes one page of an id-ordered listing. ?cursor= resumes
// where the previous page's nextCursor left off.
func (h *Handler) respondPage(c *gin.Context, recs []*Record) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		invalidRequest(c, err.Error())
		return
	}

	page, next := pagination.Page(recs, after, queryLimit(c), func(r *Record) uint64 { return r.ID })
	resp := gin.H{
		"bounties": h.views(page),
		"count":    len(page),
		"hasMore":  next != "",
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetStats handles GET /v1/ledger/stats
func (h *Handler) GetStats(c *gin.Context) {
	s := h.ledger.Stats(c.Request.Context())
	p := h.ledger.Params()

	c.JSON(http.StatusOK, gin.H{
		"total":            s.Total,
		"open":             s.Open,
		"authorized":       s.Authorized,
		"disputed":         s.Disputed,
		"expiredUnclaimed": s.ExpiredUnclaimed,
		"claimed":          s.Claimed,
		"holdings":         amount.Format(s.Holdings),
		"holdingsWei":      s.Holdings.Dec(),
		"fees":             amount.Format(s.Fees),
		"feePercent":       FeePercent,
		"minDeposit":       amount.Format(p.MinDeposit),
		"minDuration":      p.MinDuration.String(),
		"arbitrator":       p.Arbitrator.Hex(),
		"treasury":         p.Treasury.Hex(),
	})
}

// ListEvents handles GET /v1/events?after=N&limit=N
func (h *Handler) ListEvents(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		invalidRequest(c, "after must be a non-negative integer")
		return
	}

	events, err := h.ledger.Events(c.Request.Context(), after, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// SubmitAuthorizationRequest is the body of POST /v1/bounties/:id/authorization
type SubmitAuthorizationRequest struct {
	Signature string `json:"signature" binding:"required"`
}

// SubmitAuthorization handles POST /v1/bounties/:id/authorization
func (h *Handler) SubmitAuthorization(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req SubmitAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "signature is required")
		return
	}
	if !validation.IsValidSignature(req.Signature) {
		invalidRequest(c, "signature must be 0x + 130 hex chars")
		return
	}
	sig := common.FromHex(req.Signature)

	rec, err := h.ledger.SubmitAuthorization(c.Request.Context(), caller, id, sig)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bounty": NewBountyView(rec, h.ledger.Now())})
}

// ClaimBounty handles POST /v1/bounties/:id/claim
func (h *Handler) ClaimBounty(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	rec, err := h.ledger.Claim(c.Request.Context(), caller, id)
	h.respondClosed(c, rec, err)
}

// DisputeBounty handles POST /v1/bounties/:id/dispute
func (h *Handler) DisputeBounty(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	rec, err := h.ledger.Dispute(c.Request.Context(), caller, id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bounty": NewBountyView(rec, h.ledger.Now())})
}

// ResolveDisputeRequest is the body of POST /v1/bounties/:id/resolve
type ResolveDisputeRequest struct {
	RewardBeneficiary *bool `json:"rewardBeneficiary" binding:"required"`
}

// ResolveDispute handles POST /v1/bounties/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "rewardBeneficiary is required")
		return
	}

	rec, err := h.ledger.ResolveDispute(c.Request.Context(), caller, id, *req.RewardBeneficiary)
	h.respondClosed(c, rec, err)
}

// CollectFees handles POST /v1/fees/collect
func (h *Handler) CollectFees(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}

	p, err := h.ledger.CollectFees(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": NewPayoutView(p)})
}

// ListPayouts handles GET /v1/payouts?status=failed. Arbitrator only.
func (h *Handler) ListPayouts(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	if !h.ledger.IsArbitrator(caller) {
		writeError(c, ErrNotArbitrator)
		return
	}

	status := PayoutStatus(c.Query("status"))
	switch status {
	case "", PayoutPending, PayoutSent, PayoutFailed:
	default:
		invalidRequest(c, "status must be pending, sent or failed")
		return
	}

	payouts, err := h.ledger.ListPayouts(c.Request.Context(), status, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]PayoutView, len(payouts))
	for i, p := range payouts {
		views[i] = NewPayoutView(p)
	}
	c.JSON(http.StatusOK, gin.H{
		"payouts": views,
		"count":   len(views),
	})
}

// respondClosed answers a claim or resolution. A failed payout still
// returns the closed record.
func (h *Handler) respondClosed(c *gin.Context, rec *Record, err error) {
	var pe *PayoutError
	if errors.As(err, &pe) && rec != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "payout_failed",
			"message": "Bounty closed but the payout failed; it is recorded for manual resolution",
			"bounty":  NewBountyView(rec, h.ledger.Now()),
			"payout":  NewPayoutView(pe.Payout),
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bounty": NewBountyView(rec, h.ledger.Now())})
}

func (h *Handler) views(recs []*Record) []BountyView {
	now := h.ledger.Now()
	out := make([]BountyView, len(recs))
	for i, r := range recs {
		out[i] = NewBountyView(r, now)
	}
	return out
}

// StatusFor maps a ledger error to its HTTP status.
func StatusFor(err error) int {
	var pe *PayoutError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnknownRecord):
		return http.StatusNotFound
	case errors.Is(err, ErrNotBeneficiary), errors.Is(err, ErrNotArbitrator):
		return http.StatusForbidden
	case errors.Is(err, ErrBelowMinimumDeposit), errors.Is(err, ErrInvalidReference),
		errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, ErrDepositRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrExpired), errors.Is(err, ErrAlreadyAuthorized),
		errors.Is(err, ErrSignatureReplayed), errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrNotReady), errors.Is(err, ErrDisputed),
		errors.Is(err, ErrAlreadyDisputed), errors.Is(err, ErrNotDisputed),
		errors.Is(err, ErrNoFeesAvailable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("ledger request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{
		"error":   Code(err),
		"message": msg,
	})
}

func invalidRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func callerOrAbort(c *gin.Context) (common.Address, bool) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
	}
	return caller, ok
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		invalidRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}
	return limit
}

func parseAmount(tokens, wei string) (*uint256.Int, error) {
	switch {
	case tokens != "" && wei != "":
		return nil, errors.New("set either amount or amountWei, not both")
	case wei != "":
		v, ok := amount.ParseWei(wei)
		if !ok {
			return nil, errors.New("amountWei must be a base-10 integer")
		}
		return v, nil
	case tokens != "":
		v, ok := amount.Parse(tokens)
		if !ok {
			return nil, errors.New("invalid amount")
		}
		return v, nil
	default:
		return nil, errors.New("amount is required")
	}
}

func parseDuration(s string, seconds int64) (time.Duration, error) {
	switch {
	case s != "" && seconds != 0:
		return 0, errors.New("set either duration or durationSeconds, not both")
	case s != "":
		d, err := time.ParseDuration(s)
		if err != nil || d > maxDuration {
			return 0, errors.New("duration must be a duration like \"72h\"")
		}
		return d, nil
	case seconds > 0 && seconds <= int64(maxDuration/time.Second):
		return time.Duration(seconds) * time.Second, nil
	default:
		return 0, errors.New("duration is required")
	}
}

// maxDuration keeps ExpiresAt representable.
const maxDuration = 100 * 365 * 24 * time.Hour
