package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/escrow"
	"github.com/richardliu001/escrow-service/internal/ledger"
	"github.com/richardliu001/escrow-service/internal/marketplace"
	"github.com/richardliu001/escrow-service/internal/payment"
	"github.com/richardliu001/escrow-service/internal/repo"
	"github.com/richardliu001/escrow-service/internal/service"
	"github.com/richardliu001/escrow-service/internal/subscription"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": apiError{Code: code, Message: msg}})
}

var errorTable = []struct {
	target error
	status int
	code   string
}{
	{escrow.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{escrow.ErrForbidden, http.StatusForbidden, "forbidden"},
	{ledger.ErrAlreadyFinal, http.StatusConflict, "already_final"},
	{escrow.ErrNotFound, http.StatusNotFound, "not_found"},
	{marketplace.ErrListingNotFound, http.StatusNotFound, "not_found"},
	{repo.ErrNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{payment.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
	{service.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{escrow.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_request"},
	{marketplace.ErrListingUnavailable, http.StatusBadRequest, "invalid_request"},
	{repo.ErrOrderConflict, http.StatusBadRequest, "invalid_request"},
	{subscription.ErrUnknownPlan, http.StatusBadRequest, "invalid_request"},
	{payment.ErrUnknownProvider, http.StatusBadRequest, "invalid_request"},
}

// writeError maps domain errors to stable codes. Unknown errors are logged and hidden.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			abort(c, e.status, e.code, err.Error())
			return
		}
	}
	log.Errorw("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	abort(c, http.StatusInternalServerError, "internal", "internal error")
}
