package funds

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
)

// ErrForwardingFailed wraps any failure to push a received payment to the
// beneficiary. The caller treats it as fatal to the whole payment.
var ErrForwardingFailed = errors.New("fund forwarding failed")

// Forwarder represents the connector that moves every accepted payment to
// the beneficiary wallet. The crowdsale never retains funds itself.
type Forwarder interface {
	Forward(ctx context.Context, beneficiary string, amount *big.Int) error
}

// LoggerForwarder is a stub connector that records forwarded amounts in the
// structured log. It stands in for a real settlement integration.
type LoggerForwarder struct {
	logger *slog.Logger
}

// NewLoggerForwarder constructs a logging forwarder stub.
func NewLoggerForwarder(logger *slog.Logger) *LoggerForwarder {
	return &LoggerForwarder{logger: logger}
}

// Forward logs the outgoing payment and reports success.
func (f *LoggerForwarder) Forward(_ context.Context, beneficiary string, amount *big.Int) error {
	if f == nil || f.logger == nil {
		return nil
	}
	f.logger.Info("funds forwarded", "beneficiary", beneficiary, "amount", amount.String())
	return nil
}
