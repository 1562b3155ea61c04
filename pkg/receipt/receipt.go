// Package receipt persists idempotent records of distributed purchase
// events. The (shopID, eventID) unique constraint is what turns queue
// redeliveries and client retries into no-ops downstream.
package receipt

import (
	"context"
	"time"
)

// Receipt records one distributed event.
type Receipt struct {
	ShopID          string
	EventID         string
	EventType       string
	OrderKey        string
	AltOrderKey     string
	PrimaryPlatform string
	Destinations    []string

	// HMAC trust snapshot at distribution time.
	TrustLevel  string
	HMACMatched bool

	// VerificationRunID links the receipt to a running verification
	// run, when one exists for the shop.
	VerificationRunID string

	CreatedAt time.Time
}

// Store is the durable receipt store.
type Store interface {
	// Upsert inserts the receipt if (shopID, eventID) is new and
	// reports whether a row was written. An existing row is left
	// untouched.
	Upsert(ctx context.Context, r *Receipt) (inserted bool, err error)

	// ExistingPurchaseKeys returns which of keys already appear as the
	// order key or alternate order key of a purchase receipt for the
	// shop. One round trip per batch.
	ExistingPurchaseKeys(ctx context.Context, shopID string, keys []string) (map[string]struct{}, error)

	// LatestRunningVerificationRun returns the id of the most recently
	// started verification run still in the running state for the
	// shop, or "" when there is none.
	LatestRunningVerificationRun(ctx context.Context, shopID string) (string, error)
}
