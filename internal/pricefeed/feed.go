package pricefeed

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

var (
	ErrZeroPrice  = errors.New("price feed: price must be positive")
	ErrOutOfOrder = errors.New("price feed: update older than current price")
)

// Feed is the price source the core consults. Prices arrive as
// PriceUpdate events; the feed never reads the clock itself.
// Price is the debt-token value of one unit of collateral, 1e18-scaled.
type Feed struct {
	price     *uint256.Int
	updatedAt time.Time
	maxAge    time.Duration
}

// State is the serializable form of a Feed.
type State struct {
	Price     *uint256.Int `json:"price,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{maxAge: maxAge}
}

// Update records a new price observed at the given time.
func (f *Feed) Update(price *uint256.Int, at time.Time) error {
	if price == nil || price.IsZero() {
		return ErrZeroPrice
	}
	if f.price != nil && at.Before(f.updatedAt) {
		return fmt.Errorf("%w: %s < %s", ErrOutOfOrder, at.Format(time.RFC3339Nano), f.updatedAt.Format(time.RFC3339Nano))
	}
	f.price = price.Clone()
	f.updatedAt = at
	return nil
}

// FetchPrice returns the last price if one exists and is no older than
// maxAge at the given time.
func (f *Feed) FetchPrice(at time.Time) (*uint256.Int, bool) {
	if f.price == nil {
		return nil, false
	}
	if at.Sub(f.updatedAt) > f.maxAge {
		return nil, false
	}
	return f.price.Clone(), true
}

// Last returns the last recorded price regardless of age.
func (f *Feed) Last() (*uint256.Int, time.Time, bool) {
	if f.price == nil {
		return nil, time.Time{}, false
	}
	return f.price.Clone(), f.updatedAt, true
}

func (f *Feed) State() State {
	s := State{UpdatedAt: f.updatedAt}
	if f.price != nil {
		s.Price = f.price.Clone()
	}
	return s
}

func (f *Feed) Restore(s State) {
	f.price = nil
	if s.Price != nil {
		f.price = s.Price.Clone()
	}
	f.updatedAt = s.UpdatedAt
}
