package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/orders"
	"github.com/imrishuroy/go-sharded-checkout/internal/payments"
)

var tracer = otel.Tracer("settlement")

// OutcomeDuplicate is returned by Process for an event already admitted.
const OutcomeDuplicate = "duplicate"

// ErrNotAdmitted means the ledger could not be consulted. Nothing was
// settled; the event must be redelivered.
var ErrNotAdmitted = errors.New("event not admitted")

// Ledger admits each gateway event once and records what came of it.
type Ledger interface {
	Admit(ctx context.Context, eventID, eventType string) (bool, error)
	MarkDone(ctx context.Context, eventID, outcome string) error
	MarkFailed(ctx context.Context, eventID, note string) error
}

// Service applies verified payment events to orders and holds.
type Service struct {
	ledger  Ledger
	orders  Orders
	holds   Holds
	notify  Notifier
	metrics *aws.Metrics
	log     zerolog.Logger
}

func NewService(ledger Ledger, o Orders, h Holds, notify Notifier, metrics *aws.Metrics, log zerolog.Logger) *Service {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Service{
		ledger:  ledger,
		orders:  o,
		holds:   h,
		notify:  notify,
		metrics: metrics,
		log:     log.With().Str("component", "settlement").Logger(),
	}
}

// Process admits ev through the ledger and settles it. Duplicates are
// reported as OutcomeDuplicate without touching any state. If the ledger
// cannot be reached nothing happens and ErrNotAdmitted is returned. Failures
// after admission are recorded on the ledger and alerted; the event is not
// retried from here.
func (s *Service) Process(ctx context.Context, ev payments.Event) (string, error) {
	ctx, span := tracer.Start(ctx, "settlement.Process")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", ev.ID), attribute.String("event.kind", string(ev.Kind)))

	admitted, err := s.ledger.Admit(ctx, ev.ID, string(ev.Kind))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger unavailable")
		s.log.Error().Err(err).Str("event_id", ev.ID).Msg("event ledger unavailable, not admitting")
		return "", fmt.Errorf("%w: %v", ErrNotAdmitted, err)
	}
	if !admitted {
		s.log.Info().Str("event_id", ev.ID).Str("event_kind", string(ev.Kind)).Msg("duplicate event")
		return OutcomeDuplicate, nil
	}

	outcome, err := s.Handle(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		if merr := s.ledger.MarkFailed(ctx, ev.ID, err.Error()); merr != nil {
			s.log.Error().Err(merr).Str("event_id", ev.ID).Msg("mark event failed")
		}
		msg := orderMessage{EventID: ev.ID, PaymentReference: reference(ev), Note: err.Error()}
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			msg.OrderID = integrity.OrderID
			s.log.Error().Err(err).Str("event_id", ev.ID).Str("order_id", integrity.OrderID).Msg("payment does not match order")
			s.alert(ctx, AlertIntegrity, msg)
			s.emit(ctx, aws.Count("IntegrityViolation", 1))
			return "", err
		}
		s.log.Error().Err(err).Str("event_id", ev.ID).Str("event_kind", string(ev.Kind)).Msg("settlement failed")
		s.alert(ctx, AlertFailed, msg)
		s.emit(ctx, aws.Count("SettlementFailed", 1))
		return "", err
	}

	if merr := s.ledger.MarkDone(ctx, ev.ID, outcome); merr != nil {
		s.log.Warn().Err(merr).Str("event_id", ev.ID).Msg("mark event done")
	}
	span.SetAttributes(attribute.String("settlement.outcome", outcome))
	return outcome, nil
}

// Handle settles one event without consulting the ledger.
func (s *Service) Handle(ctx context.Context, ev payments.Event) (string, error) {
	switch p := ev.Payload.(type) {
	case *payments.PaymentSucceeded:
		return s.paymentSucceeded(ctx, ev.ID, p)
	case *payments.PaymentFailed:
		return s.paymentFailed(ctx, ev.ID, p)
	case *payments.DisputeCreated:
		return s.disputeCreated(ctx, ev.ID, p)
	case *payments.ChargeRefunded:
		return s.chargeRefunded(ctx, ev.ID, p)
	}
	return "", fmt.Errorf("event %s: %w: %s", ev.ID, payments.ErrUnhandledEvent, ev.Kind)
}

func (s *Service) paymentSucceeded(ctx context.Context, eventID string, p *payments.PaymentSucceeded) (string, error) {
	o, err := s.resolve(ctx, p.OrderID, p.IntentID)
	if err != nil {
		return "", err
	}

	paid, err := s.orders.Transition(ctx, o.OrderID, orders.StatusPaid, func(cur *orders.Order) error {
		switch {
		case cur.PaymentReference != p.IntentID:
			return &IntegrityError{OrderID: cur.OrderID, Field: "payment_reference", Expected: cur.PaymentReference, Actual: p.IntentID}
		case cur.Total != p.Amount:
			return &IntegrityError{OrderID: cur.OrderID, Field: "amount", Expected: strconv.FormatInt(cur.Total, 10), Actual: strconv.FormatInt(p.Amount, 10)}
		case cur.Currency != p.Currency:
			return &IntegrityError{OrderID: cur.OrderID, Field: "currency", Expected: cur.Currency, Actual: p.Currency}
		}
		return nil
	})
	if err != nil {
		return s.settledAlready(o.OrderID, eventID, err)
	}

	var consumed bool
	err = s.claim(ctx, func(ctx context.Context) (err error) {
		consumed, err = s.holds.Consume(ctx, paid.HoldID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("consume hold %s: %w", paid.HoldID, err)
	}
	if !consumed {
		// the sweeper got there first and the units are back on sale
		s.log.Error().Str("event_id", eventID).Str("order_id", paid.OrderID).Str("hold_id", paid.HoldID).
			Msg("order paid but its hold is no longer held")
		s.alert(ctx, AlertPaidWithoutHold, messageFor(paid, eventID))
		s.emit(ctx, aws.Count("PaidWithoutHold", 1))
		return OutcomePaidWithoutHold, nil
	}

	s.publish(ctx, MsgOrderPaid, messageFor(paid, eventID))
	s.log.Info().Str("event_id", eventID).Str("order_id", paid.OrderID).Int64("total", paid.Total).Msg("order paid")
	return OutcomeConsumed, nil
}

func (s *Service) paymentFailed(ctx context.Context, eventID string, p *payments.PaymentFailed) (string, error) {
	o, err := s.resolve(ctx, p.OrderID, p.IntentID)
	if err != nil {
		return "", err
	}

	canceled, err := s.orders.Transition(ctx, o.OrderID, orders.StatusCanceled, func(cur *orders.Order) error {
		if cur.PaymentReference != p.IntentID {
			return &IntegrityError{OrderID: cur.OrderID, Field: "payment_reference", Expected: cur.PaymentReference, Actual: p.IntentID}
		}
		return nil
	})
	if err != nil {
		return s.settledAlready(o.OrderID, eventID, err)
	}

	err = s.claim(ctx, func(ctx context.Context) error {
		_, err := s.holds.Release(ctx, canceled.HoldID, "")
		return err
	})
	if err != nil {
		return "", fmt.Errorf("release hold %s: %w", canceled.HoldID, err)
	}
	s.publish(ctx, MsgOrderCanceled, messageFor(canceled, eventID))
	s.log.Info().Str("event_id", eventID).Str("order_id", canceled.OrderID).Str("reason", p.Reason).Msg("payment failed, order canceled")
	return OutcomeReleased, nil
}

func (s *Service) disputeCreated(ctx context.Context, eventID string, p *payments.DisputeCreated) (string, error) {
	o, err := s.byReference(ctx, p.IntentRef)
	if err != nil {
		return "", err
	}
	if o == nil {
		s.log.Warn().Str("event_id", eventID).Str("payment_reference", p.IntentRef).Msg("dispute for unknown payment")
		return OutcomeNoop, nil
	}

	disputed, err := s.orders.Transition(ctx, o.OrderID, orders.StatusDisputed, nil)
	if err != nil {
		return s.settledAlready(o.OrderID, eventID, err)
	}
	// disputed funds are frozen, not returned, so stock stays sold
	s.publish(ctx, MsgOrderDisputed, messageFor(disputed, eventID))
	s.log.Warn().Str("event_id", eventID).Str("order_id", disputed.OrderID).Str("reason", p.Reason).Msg("order disputed")
	return OutcomeDisputed, nil
}

func (s *Service) chargeRefunded(ctx context.Context, eventID string, p *payments.ChargeRefunded) (string, error) {
	if !p.Full {
		s.log.Warn().Str("event_id", eventID).Str("payment_reference", p.IntentRef).
			Int64("amount", p.Amount).Int64("refunded", p.AmountRefunded).
			Msg("partial refund left for manual handling")
		return OutcomePartialRefund, nil
	}
	o, err := s.byReference(ctx, p.IntentRef)
	if err != nil {
		return "", err
	}
	if o == nil {
		s.log.Warn().Str("event_id", eventID).Str("payment_reference", p.IntentRef).Msg("refund for unknown payment")
		return OutcomeNoop, nil
	}

	refunded, err := s.orders.Transition(ctx, o.OrderID, orders.StatusRefunded, nil)
	if err != nil {
		return s.settledAlready(o.OrderID, eventID, err)
	}

	// the refund is committed; a failed restock is reported but must not
	// fail the event
	err = s.claim(ctx, func(ctx context.Context) error {
		_, err := s.holds.RestockFromConsumed(ctx, refunded.HoldID)
		return err
	})
	if err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Str("hold_id", refunded.HoldID).Msg("restock after refund failed")
		s.emit(ctx, aws.Count("RefundRestockFailed", 1))
	}
	s.publish(ctx, MsgOrderRefunded, messageFor(refunded, eventID))
	s.log.Info().Str("event_id", eventID).Str("order_id", refunded.OrderID).Msg("order refunded")
	return OutcomeRefunded, nil
}

// claim runs a hold transition, retrying failures that are neither a lost
// condition nor a finished context. A retry after the claim already won
// loses its condition and reports no error; any units it moved are queued
// for redrive by the holds machine.
func (s *Service) claim(ctx context.Context, fn func(ctx context.Context) error) error {
	return aws.WithRetryIf(ctx, aws.DefaultTxAttempts, aws.IsTransient, fn)
}

// resolve finds the order an intent event is about, by the order id the
// intent carries in its metadata or else by the intent id.
func (s *Service) resolve(ctx context.Context, orderID, reference string) (*orders.Order, error) {
	var (
		o   *orders.Order
		err error
	)
	if orderID != "" {
		o, err = s.orders.Get(ctx, orderID)
	} else {
		o, err = s.byReference(ctx, reference)
	}
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("payment %s (order %q): %w", reference, orderID, orders.ErrOrderNotFound)
	}
	return o, nil
}

func (s *Service) byReference(ctx context.Context, reference string) (*orders.Order, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: event carries no payment reference", payments.ErrMalformedEvent)
	}
	return s.orders.GetByPaymentReference(ctx, reference)
}

// settledAlready turns a lost transition race into a no-op. Anything else is
// passed through.
func (s *Service) settledAlready(orderID, eventID string, err error) (string, error) {
	var mismatch *orders.StatusMismatchError
	if !errors.As(err, &mismatch) {
		return "", err
	}
	s.log.Info().Str("event_id", eventID).Str("order_id", orderID).
		Str("status", string(mismatch.Actual)).Str("wanted", string(mismatch.To)).
		Msg("order not in a settleable status, ignoring")
	return OutcomeNoop, nil
}

func (s *Service) publish(ctx context.Context, kind string, msg orderMessage) {
	if err := s.notify.Publish(ctx, kind, msg); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Str("order_id", msg.OrderID).Msg("publish notification")
	}
}

func (s *Service) alert(ctx context.Context, kind string, msg orderMessage) {
	if err := s.notify.Publish(ctx, kind, msg); err != nil {
		s.log.Error().Err(err).Str("kind", kind).Str("event_id", msg.EventID).Msg("publish alert")
	}
}

func (s *Service) emit(ctx context.Context, data ...aws.Datum) {
	if err := s.metrics.Emit(ctx, data...); err != nil {
		s.log.Warn().Err(err).Msg("emit metrics")
	}
}

func messageFor(o *orders.Order, eventID string) orderMessage {
	return orderMessage{
		OrderID:          o.OrderID,
		HolderID:         o.HolderID,
		PaymentReference: o.PaymentReference,
		Total:            o.Total,
		Currency:         o.Currency,
		EventID:          eventID,
	}
}

func reference(ev payments.Event) string {
	if ev.Payload == nil {
		return ""
	}
	return ev.Payload.Reference()
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string, any) error { return nil }
