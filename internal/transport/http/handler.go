package http

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/escrow"
	"github.com/richardliu001/escrow-service/internal/payment"
	"github.com/richardliu001/escrow-service/internal/service"
	"github.com/richardliu001/escrow-service/internal/webhook"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	svc      *service.PaymentService
	ingestor *webhook.Ingestor
	log      *zap.SugaredLogger
}

func NewHandler(svc *service.PaymentService, ingestor *webhook.Ingestor, log *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, ingestor: ingestor, log: log}
}

func RegisterHandlers(r *gin.Engine, h *Handler, jwtSecret string) {
	p := r.Group("/payments")
	p.POST("/webhooks/:provider", h.webhook)

	authed := p.Group("", AuthMiddleware(jwtSecret))
	{
		authed.POST("/purchase", h.purchase)
		authed.POST("/deposit", h.deposit)
		authed.POST("/withdraw", h.withdraw)
		authed.GET("/balance", h.balance)
		authed.GET("/transactions", h.history)
		authed.POST("/subscriptions/checkout", h.subscribe)

		authed.GET("/escrow", h.listEscrows)
		authed.GET("/escrow/:id", h.getEscrow)
		authed.POST("/escrow/:id/deliver", h.deliver)
		authed.POST("/escrow/:id/confirm", h.confirm)
		authed.POST("/escrow/:id/dispute", h.dispute)

		admin := authed.Group("/admin", RequireRole(RoleAdmin))
		admin.POST("/escrow/:id/resolve", h.resolve)
		admin.POST("/withdrawals/:id/settle", h.settleWithdrawal)
	}
}

func userID(c *gin.Context) string { return c.GetString(ctxUserID) }

func (h *Handler) webhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	out := h.ingestor.Handle(c.Request.Context(), c.Param("provider"), body, c.Request.Header)
	c.JSON(out.Disposition.StatusCode(), gin.H{"result": out.Disposition})
}

type purchaseReq struct {
	ListingID string `json:"listing_id" binding:"required"`
	Provider  string `json:"provider"`
	OrderID   string `json:"order_id"`
	Email     string `json:"email"`
}

func (h *Handler) purchase(c *gin.Context) {
	var req purchaseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := h.svc.Purchase(c.Request.Context(), service.PurchaseRequest{
		BuyerID: userID(c), ListingID: req.ListingID, Provider: req.Provider,
		OrderID: req.OrderID, PayerEmail: req.Email,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type fundingReq struct {
	Amount   string `json:"amount" binding:"required"`
	Provider string `json:"provider" binding:"required"`
	OrderID  string `json:"order_id"`
	Email    string `json:"email"`
}

func (h *Handler) bindFunding(c *gin.Context) (service.FundingRequest, bool) {
	var req fundingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return service.FundingRequest{}, false
	}
	amt, err := decimal.NewFromString(req.Amount)
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "invalid amount")
		return service.FundingRequest{}, false
	}
	return service.FundingRequest{
		UserID: userID(c), Amount: amt, Provider: req.Provider, OrderID: req.OrderID, PayerEmail: req.Email,
	}, true
}

func (h *Handler) deposit(c *gin.Context) {
	req, ok := h.bindFunding(c)
	if !ok {
		return
	}
	res, err := h.svc.Deposit(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) withdraw(c *gin.Context) {
	req, ok := h.bindFunding(c)
	if !ok {
		return
	}
	res, err := h.svc.Withdraw(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) balance(c *gin.Context) {
	bal, err := h.svc.Balance(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.StringFixed(2)})
}

func (h *Handler) history(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sinceStr := c.DefaultQuery("since", time.Now().AddDate(0, 0, -30).Format(time.RFC3339))
	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "invalid since")
		return
	}
	txs, err := h.svc.History(c.Request.Context(), userID(c), limit, since)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type subscribeReq struct {
	Plan  string `json:"plan" binding:"required"`
	Email string `json:"email"`
}

func (h *Handler) subscribe(c *gin.Context) {
	var req subscribeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := h.svc.SubscribeCheckout(c.Request.Context(), userID(c), req.Plan, req.Email)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) listEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.svc.Escrows(c.Request.Context(), userID(c), limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": list})
}

func (h *Handler) getEscrow(c *gin.Context) {
	esc, err := h.svc.Escrow(c.Request.Context(), c.Param("id"), userID(c), c.GetString(ctxRole) == RoleAdmin)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (h *Handler) deliver(c *gin.Context) {
	esc, err := h.svc.Deliver(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (h *Handler) confirm(c *gin.Context) {
	esc, err := h.svc.Confirm(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

type disputeReq struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) dispute(c *gin.Context) {
	var req disputeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	esc, err := h.svc.Dispute(c.Request.Context(), c.Param("id"), userID(c), req.Reason)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

type resolveReq struct {
	Outcome string `json:"outcome" binding:"required,oneof=seller buyer"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	esc, err := h.svc.Resolve(c.Request.Context(), c.Param("id"), userID(c), escrow.Outcome(req.Outcome))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

type settleReq struct {
	Status string `json:"status" binding:"required,oneof=success failed cancelled"`
}

func (h *Handler) settleWithdrawal(c *gin.Context) {
	var req settleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	txn, err := h.svc.SettleWithdrawal(c.Request.Context(), c.Param("id"), userID(c), payment.Status(req.Status))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}
