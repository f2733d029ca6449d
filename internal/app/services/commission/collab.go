package commission

import (
	"context"
	"fmt"

	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/pkg/logger"
)

// FixedRatePolicy answers every rate lookup with one configured rate.
// Production deployments inject the tiered policy service instead.
type FixedRatePolicy struct {
	Rate commission.Rate
}

var _ RatePolicy = (*FixedRatePolicy)(nil)

// RateFor implements RatePolicy.
func (p FixedRatePolicy) RateFor(_ context.Context, _ string, _ string) (commission.Rate, error) {
	return p.Rate, nil
}

// RecordingGateway acknowledges every funds movement without calling an
// external system. It stands in for the real gateway in tests and local
// development; references are deterministic per transaction id, matching
// the idempotency contract.
type RecordingGateway struct {
	Log *logger.Logger
}

var _ PaymentGateway = (*RecordingGateway)(nil)

// Deduct implements PaymentGateway.
func (g *RecordingGateway) Deduct(_ context.Context, transactionID string, amount int64, currency string) error {
	if g.Log != nil {
		g.Log.Infof("deduct %d %s for transaction %s", amount, currency, transactionID)
	}
	return nil
}

// Payout implements PaymentGateway.
func (g *RecordingGateway) Payout(_ context.Context, transactionID, target string, amount int64, currency string) (string, error) {
	if g.Log != nil {
		g.Log.Infof("payout %d %s to %s for transaction %s", amount, currency, target, transactionID)
	}
	return fmt.Sprintf("payout-%s", transactionID), nil
}

// Refund implements PaymentGateway.
func (g *RecordingGateway) Refund(_ context.Context, transactionID, target string, amount int64, currency string) (string, error) {
	if g.Log != nil {
		g.Log.Infof("refund %d %s to %s for transaction %s", amount, currency, target, transactionID)
	}
	return fmt.Sprintf("refund-%s", transactionID), nil
}
