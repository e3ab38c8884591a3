package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-sharded-checkout/internal/checkout"
	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
	"github.com/imrishuroy/go-sharded-checkout/internal/orders"
	"github.com/imrishuroy/go-sharded-checkout/internal/payments"
	"github.com/imrishuroy/go-sharded-checkout/internal/settlement"
	"github.com/imrishuroy/go-sharded-checkout/internal/tracing"
	"github.com/imrishuroy/go-sharded-checkout/internal/validation"
)

// CallerHeader carries the caller identity set by the upstream authorizer.
const CallerHeader = "X-Caller-Id"

const maxWebhookBody = 1 << 16

type CheckoutService interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

type EventVerifier interface {
	VerifyEvent(payload []byte, signature string) (payments.Event, error)
}

type EventProcessor interface {
	Process(ctx context.Context, ev payments.Event) (string, error)
}

// HandlerConfig groups dependencies for the HTTP handlers.
type HandlerConfig struct {
	Checkout   CheckoutService
	Verifier   EventVerifier
	Settlement EventProcessor
	Validator  *validatorv10.Validate
	Log        zerolog.Logger
}

// RegisterRoutes registers the checkout and payment webhook routes.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := cfg.Validator
	if v == nil {
		v = validation.New()
	}
	log := cfg.Log.With().Str("component", "http").Logger()

	r.POST("/checkout", func(c *gin.Context) {
		ctx := c.Request.Context()

		caller := c.GetHeader(CallerHeader)
		if caller == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_caller_identity"})
			return
		}

		var req validation.CheckoutRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		res, err := cfg.Checkout.Checkout(ctx, toCheckoutRequest(req, caller))
		if err != nil {
			writeCheckoutError(c, err)
			return
		}

		c.Header("Location", "/orders/"+res.OrderID)
		c.JSON(http.StatusCreated, gin.H{
			"order_id":              res.OrderID,
			"hold_status":           res.HoldStatus,
			"expires_at":            res.ExpiresAt.UTC().Format(time.RFC3339),
			"payment_client_secret": res.PaymentClientSecret,
			"total":                 res.Total,
			"currency":              res.Currency,
		})
	})

	r.POST("/webhooks/payments", func(c *gin.Context) {
		ctx := c.Request.Context()
		reqLog := log.With().Str("request_id", requestID(c)).Str("trace_id", tracing.TraceID(ctx)).Logger()

		payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}

		ev, err := cfg.Verifier.VerifyEvent(payload, c.GetHeader("Stripe-Signature"))
		if errors.Is(err, payments.ErrUnhandledEvent) {
			reqLog.Debug().Str("event_id", ev.ID).Str("event_kind", string(ev.Kind)).Msg("ignoring event")
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		if err != nil {
			reqLog.Warn().Err(err).Msg("rejected webhook")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
			return
		}

		outcome, err := cfg.Settlement.Process(ctx, ev)
		if errors.Is(err, settlement.ErrNotAdmitted) {
			// not admitted means nothing happened; let the gateway redeliver
			reqLog.Error().Err(err).Str("event_id", ev.ID).Msg("event not admitted")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again"})
			return
		}
		// failures after admission are recorded and alerted by settlement; a
		// non-2xx here would only make the gateway redeliver into a duplicate
		if err != nil {
			reqLog.Error().Err(err).Str("event_id", ev.ID).Str("event_kind", string(ev.Kind)).Msg("settlement failed")
		} else {
			reqLog.Info().Str("event_id", ev.ID).Str("event_kind", string(ev.Kind)).Str("outcome", outcome).Msg("event settled")
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	})
}

func toCheckoutRequest(req validation.CheckoutRequest, caller string) checkout.Request {
	lines := make([]inventory.Line, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	a := req.ShippingAddress
	return checkout.Request{
		OrderID:  req.OrderID,
		HolderID: caller,
		Items:    lines,
		ShippingAddress: orders.Address{
			Name:       a.Name,
			Line1:      a.Line1,
			Line2:      a.Line2,
			City:       a.City,
			Region:     a.Region,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		},
	}
}

var statusByKind = map[checkout.Kind]int{
	checkout.KindInvalidArgument:    http.StatusBadRequest,
	checkout.KindNotFound:           http.StatusNotFound,
	checkout.KindFailedPrecondition: http.StatusPreconditionFailed,
	checkout.KindResourceExhausted:  http.StatusConflict,
	checkout.KindRateLimited:        http.StatusTooManyRequests,
	checkout.KindInternal:           http.StatusInternalServerError,
}

func writeCheckoutError(c *gin.Context, err error) {
	var ce *checkout.Error
	if !errors.As(err, &ce) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(checkout.KindInternal)})
		return
	}
	status, ok := statusByKind[ce.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := gin.H{"error": string(ce.Kind)}
	switch {
	case ce.Kind == checkout.KindInternal:
		// internal detail stays in the logs
	case ce.Shortfall != nil:
		body["msg"] = ce.Msg
		body["product_id"] = ce.Shortfall.ProductID
		body["requested"] = ce.Shortfall.Requested
		body["shortfall"] = ce.Shortfall.Shortfall
	default:
		body["msg"] = ce.Msg
	}
	c.JSON(status, body)
}

func requestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}
