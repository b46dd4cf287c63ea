package port

import "context"

type UnlockFunc func(ctx context.Context) error

type StockLocker interface {
	// Lock acquires every product key in sorted order and blocks until all are held or ctx is done
	Lock(ctx context.Context, productIDs []string) (UnlockFunc, error)
}

type IdempotencyStore interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes the key so a rejected request can be resubmitted
	ReleaseIdempotency(ctx context.Context, key string) error
}
