package carrier

import "context"

// TrackingResult is the normalized outcome of one provider status query.
type TrackingResult struct {
	StatusText  string
	IsDelivered bool
}

// Client talks to an external tracking provider. Implementations do not retry
// and do not sleep: a failed query surfaces as an error and the order is
// retried on the next cycle.
type Client interface {
	QueryStatus(ctx context.Context, vendor Vendor, trackNumber string) (TrackingResult, error)
	RegisterNumbers(ctx context.Context, vendor Vendor, trackNumbers []string) error
}


