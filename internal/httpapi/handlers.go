package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/philomenia/tokenledger/internal/llm"
	"github.com/philomenia/tokenledger/internal/payments"
	"github.com/philomenia/tokenledger/pkg/estimate"
	"github.com/philomenia/tokenledger/pkg/ledger"
)

// ChatCompleter executes chat work against a completion provider.
// *llm.Client satisfies it.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []llm.Message) (llm.Completion, error)
}

// PaymentVerifier resolves a payment reference into a captured amount.
// *payments.Processor satisfies it.
type PaymentVerifier interface {
	VerifyCapture(paymentIntentID string) (payments.Capture, error)
}

// EventDeduper records processed event ids, with rollback so an event whose
// grant failed stays retryable. The ledger stores satisfy it.
type EventDeduper interface {
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	UnmarkEventProcessed(ctx context.Context, eventID string) error
}

// Handler serves the HTTP routes backed by the credit ledger.
type Handler struct {
	cfg       Config
	logger    *zap.Logger
	service   *ledger.Service
	estimator estimate.Estimator
	completer ChatCompleter
	payments  PaymentVerifier
	events    EventDeduper
}

// NewHandler wires the route handlers. The payments verifier may be nil, in
// which case purchases are rejected as unconfigured.
func NewHandler(cfg Config, logger *zap.Logger, service *ledger.Service, estimator estimate.Estimator, completer ChatCompleter, verifier PaymentVerifier, events EventDeduper) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil || service == nil || estimator == nil || completer == nil || events == nil {
		return nil, errors.New("httpapi: logger, service, estimator, completer and events are required")
	}
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		service:   service,
		estimator: estimator,
		completer: completer,
		payments:  verifier,
		events:    events,
	}, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

func balancePayload(balance ledger.BalanceSnapshot) gin.H {
	return gin.H{
		"free_credits":  balance.FreeCredits.Int64(),
		"paid_credits":  balance.PaidCredits.Int64(),
		"total_credits": balance.TotalCredits.Int64(),
	}
}

func (handler *Handler) handleHealthz(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type historyEntryPayload struct {
	EntryID        string          `json:"entry_id"`
	Operation      string          `json:"operation"`
	Amount         int64           `json:"amount"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	requester, err := handler.resolveCaller(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid credentials"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, requester.identity, requester.class)
	if err != nil {
		handler.respondLedgerError(ctx, "balance", err)
		return
	}
	entries, err := handler.service.History(requestCtx, requester.identity, requester.class, 0, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondLedgerError(ctx, "history", err)
		return
	}

	history := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		history = append(history, historyEntryPayload{
			EntryID:        entry.EntryID,
			Operation:      entry.Operation.String(),
			Amount:         entry.Amount,
			ReservationID:  entry.ReservationID,
			Metadata:       json.RawMessage(entry.MetadataJSON),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"identity": requester.identity.String(),
		"balance":  balancePayload(balance),
		"history":  history,
	})
}

type chatRequest struct {
	Messages []llm.Message `json:"messages"`
}

func (handler *Handler) handleChat(ctx *gin.Context) {
	requester, err := handler.resolveCaller(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid credentials"))
		return
	}
	var request chatRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with messages"))
		return
	}
	if len(request.Messages) == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "messages must not be empty"))
		return
	}

	var prompt strings.Builder
	for _, message := range request.Messages {
		prompt.WriteString(message.Content)
	}
	estimated, err := ledger.NewCredits(handler.estimator.EstimateCost(prompt.String()))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "could not price request"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	metadata := chatMetadata(len(request.Messages))
	handle, err := handler.service.Reserve(requestCtx, requester.identity, requester.class, estimated, metadata)
	if err != nil {
		handler.respondLedgerError(ctx, "reserve", err)
		return
	}

	completion, err := handler.completer.Complete(requestCtx, request.Messages)
	if err != nil {
		handler.logger.Warn("completion failed, releasing hold",
			zap.String("identity", requester.identity.String()),
			zap.Error(err))
		if _, releaseErr := handler.service.Release(requestCtx, handle, metadata); releaseErr != nil {
			handler.logger.Error("release after failed completion",
				zap.String("reservation_id", handle.ReservationID),
				zap.Error(releaseErr))
		}
		ctx.JSON(http.StatusBadGateway, errorResponse("upstream_error", "completion provider failed"))
		return
	}

	actual, err := ledger.NewCredits(completion.TotalTokens)
	if err != nil {
		actual = 0
	}
	settlement, err := handler.service.Settle(requestCtx, handle, actual, metadata)
	if err != nil {
		handler.respondLedgerError(ctx, "settle", err)
		return
	}

	response := gin.H{
		"reply":   completion.Reply,
		"model":   completion.Model,
		"charged": settlement.Charged.Int64(),
		"balance": balancePayload(settlement.Balance),
	}
	if settlement.Shortfall > 0 {
		response["warning"] = gin.H{
			"code":      "balance_exhausted",
			"shortfall": settlement.Shortfall.Int64(),
		}
	}
	ctx.JSON(http.StatusOK, response)
}

type purchaseRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

func (handler *Handler) handlePurchase(ctx *gin.Context) {
	requester, err := handler.resolveCaller(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid credentials"))
		return
	}
	if handler.payments == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("payments_disabled", "no payment processor configured"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PaymentIntentID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "payment_intent_id is required"))
		return
	}

	capture, err := handler.payments.VerifyCapture(request.PaymentIntentID)
	if err != nil {
		if errors.Is(err, payments.ErrPaymentNotCaptured) {
			ctx.JSON(http.StatusBadRequest, errorResponse("payment_not_captured", "payment has not succeeded"))
			return
		}
		handler.logger.Error("payment verification failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("payment_error", "could not verify payment"))
		return
	}

	amount, err := ledger.NewPositiveCredits(capture.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payment", "captured amount buys no credits"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	eventID := "purchase:" + capture.PaymentIntentID
	fresh, err := handler.events.MarkEventProcessed(requestCtx, eventID)
	if err != nil {
		handler.respondLedgerError(ctx, "purchase", err)
		return
	}
	if !fresh {
		balance, err := handler.service.Balance(requestCtx, requester.identity, requester.class)
		if err != nil {
			handler.respondLedgerError(ctx, "balance", err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "already_processed", "balance": balancePayload(balance)})
		return
	}

	metadata := purchaseMetadata(capture)
	balance, err := handler.service.Grant(requestCtx, requester.identity, requester.class, amount, ledger.BucketPaid, metadata)
	if err != nil {
		// Undo the dedupe mark so the sender's retry can grant the credits.
		if unmarkErr := handler.events.UnmarkEventProcessed(requestCtx, eventID); unmarkErr != nil {
			handler.logger.Error("purchase dedupe rollback failed",
				zap.String("payment_intent_id", capture.PaymentIntentID),
				zap.Error(unmarkErr))
		}
		handler.respondLedgerError(ctx, "grant", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":          "granted",
		"credits_granted": amount.Int64(),
		"balance":         balancePayload(balance),
	})
}

type signupEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		UserID string `json:"user_id"`
	} `json:"data"`
}

func (handler *Handler) handleSignupWebhook(ctx *gin.Context) {
	secret := ctx.GetHeader("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(handler.cfg.WebhookSecret)) != 1 {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "bad webhook secret"))
		return
	}
	var event signupEvent
	if err := ctx.ShouldBindJSON(&event); err != nil || strings.TrimSpace(event.ID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON event with id"))
		return
	}
	if event.Type != "user.created" {
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if strings.TrimSpace(event.Data.UserID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "event carries no user id"))
		return
	}

	identity, err := ledger.NewIdentity(memberIdentityPrefix + event.Data.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "event carries an invalid user id"))
		return
	}
	amount, err := ledger.NewPositiveCredits(handler.cfg.SignupBonus)
	if err != nil {
		handler.respondLedgerError(ctx, "webhook", err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	eventID := "signup:" + event.ID
	fresh, err := handler.events.MarkEventProcessed(requestCtx, eventID)
	if err != nil {
		handler.respondLedgerError(ctx, "webhook", err)
		return
	}
	if !fresh {
		ctx.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}

	balance, err := handler.service.Grant(requestCtx, identity, ledger.ClassMember, amount, ledger.BucketFree, signupMetadata(event.ID))
	if err != nil {
		// Undo the dedupe mark so the sender's redelivery can grant the bonus.
		if unmarkErr := handler.events.UnmarkEventProcessed(requestCtx, eventID); unmarkErr != nil {
			handler.logger.Error("signup dedupe rollback failed",
				zap.String("event_id", event.ID),
				zap.Error(unmarkErr))
		}
		handler.respondLedgerError(ctx, "grant", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":          "granted",
		"credits_granted": amount.Int64(),
		"balance":         balancePayload(balance),
	})
}

func (handler *Handler) respondLedgerError(ctx *gin.Context, operation string, err error) {
	var insufficient *ledger.InsufficientCreditError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credit",
			"message":   "not enough credit for this request",
			"available": insufficient.Available.Int64(),
			"requested": insufficient.Requested.Int64(),
		})
	case errors.Is(err, ledger.ErrReservationNotFound):
		ctx.JSON(http.StatusConflict, errorResponse("reservation_conflict", "reservation was already consumed or never existed"))
	case errors.Is(err, ledger.ErrStoreUnavailable):
		handler.logger.Error("ledger store unavailable", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_unavailable", "ledger backend unavailable"))
	case errors.Is(err, ledger.ErrInvalidCredits), errors.Is(err, ledger.ErrInvalidIdentity), errors.Is(err, ledger.ErrInvalidBucket), errors.Is(err, ledger.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error("ledger operation failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "ledger operation failed"))
	}
}

func chatMetadata(messageCount int) ledger.MetadataJSON {
	return mustMetadata(map[string]any{"action": "chat", "messages": messageCount})
}

func purchaseMetadata(capture payments.Capture) ledger.MetadataJSON {
	return mustMetadata(map[string]any{
		"action":            "purchase",
		"payment_intent_id": capture.PaymentIntentID,
		"amount_cents":      capture.AmountCents,
	})
}

func signupMetadata(eventID string) ledger.MetadataJSON {
	return mustMetadata(map[string]any{"action": "signup_bonus", "event_id": eventID})
}

func mustMetadata(fields map[string]any) ledger.MetadataJSON {
	encoded, err := json.Marshal(fields)
	if err != nil {
		encoded = []byte("{}")
	}
	metadata, err := ledger.NewMetadataJSON(string(encoded))
	if err != nil {
		metadata, _ = ledger.NewMetadataJSON("{}")
	}
	return metadata
}
