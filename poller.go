package gasless

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PollOutcome is the terminal result of watching a transaction.
type PollOutcome int

const (
	// PollConfirmed means the receipt arrived with the status flag set.
	PollConfirmed PollOutcome = iota
	// PollFailed means the receipt arrived with the status flag cleared.
	PollFailed
	// PollTimedOut means the attempt budget ran out without a terminal
	// receipt. Advisory: the transaction may still confirm later.
	PollTimedOut
)

func (o PollOutcome) String() string {
	switch o {
	case PollConfirmed:
		return "confirmed"
	case PollFailed:
		return "failed"
	case PollTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ReceiptReader is the read-only receipt query the poller needs.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}

// PollPolicy is a bounded-retry confirmation watch: a fixed interval
// between receipt queries and a fixed attempt budget.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollPolicy matches the demo client: 3 s between attempts, 20
// attempts (one minute total).
var DefaultPollPolicy = PollPolicy{Interval: 3 * time.Second, MaxAttempts: 20}

// Await polls the receipt for txHash until a terminal outcome or until
// the attempt budget is exhausted. Read errors count as pending
// attempts; the watch performs no writes and stopping it does not affect
// the underlying transaction.
func (p PollPolicy) Await(ctx context.Context, reader ReceiptReader, txHash common.Hash) (PollOutcome, *Receipt, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollPolicy.Interval
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPollPolicy.MaxAttempts
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return PollTimedOut, nil, ctx.Err()
		case <-timer.C:
		}
		timer.Reset(interval)

		receipt, err := reader.TransactionReceipt(ctx, txHash)
		if err != nil || receipt == nil {
			continue
		}
		if receipt.Status == ReceiptStatusSuccess {
			return PollConfirmed, receipt, nil
		}
		return PollFailed, receipt, nil
	}
	return PollTimedOut, nil, nil
}
