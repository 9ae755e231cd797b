package order

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structural well-formedness of an inbound order.
// Failures are terminal for the order and never enter the event log.
func Validate(o *Order, now int64) error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if o.Pair.AmountAsset == o.Pair.PriceAsset {
		return fmt.Errorf("%w: amount and price asset are identical", ErrValidation)
	}
	if o.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrValidation, o.Amount)
	}
	// market orders carry a price too: it caps the funds reserved for them
	if o.Price <= 0 {
		return fmt.Errorf("%w: price must be positive, got %d", ErrValidation, o.Price)
	}
	if o.Fee < 0 {
		return fmt.Errorf("%w: fee must not be negative, got %d", ErrValidation, o.Fee)
	}
	if o.Expired(now) {
		return fmt.Errorf("%w: order expired at %d", ErrValidation, o.Expiry)
	}
	return nil
}
