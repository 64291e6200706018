package escrow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/bountyledger/internal/metrics"
	"github.com/mbd888/bountyledger/internal/traces"
)

// errorCodes maps ledger errors to the short codes used in API responses
// and metric labels.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrBelowMinimumDeposit, "below_minimum_deposit"},
	{ErrInvalidReference, "invalid_reference"},
	{ErrInvalidDuration, "invalid_duration"},
	{ErrUnknownRecord, "unknown_record"},
	{ErrExpired, "expired"},
	{ErrAlreadyAuthorized, "already_authorized"},
	{ErrSignatureReplayed, "signature_replayed"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrNotBeneficiary, "not_beneficiary"},
	{ErrAlreadyClaimed, "already_claimed"},
	{ErrNotReady, "not_ready"},
	{ErrDisputed, "disputed"},
	{ErrAlreadyDisputed, "already_disputed"},
	{ErrNotDisputed, "not_disputed"},
	{ErrNotArbitrator, "not_arbitrator"},
	{ErrNoFeesAvailable, "no_fees_available"},
	{ErrDepositRejected, "deposit_rejected"},
}

// Code returns the short code for err: "ok" for nil, "payout_failed" for
// *PayoutError and "internal_error" for anything unrecognised.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *PayoutError
	if errors.As(err, &pe) {
		return "payout_failed"
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal_error"
}

// instrument opens a span and returns a finisher that records the outcome
// on the span and in the ledger operation metrics.
func instrument(ctx context.Context, spanName, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, spanName, attrs...)
	return ctx, func(errp *error) {
		err := *errp
		code := Code(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		}
		span.End()
		metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.LedgerOperationsTotal.WithLabelValues(op, code).Inc()
	}
}
