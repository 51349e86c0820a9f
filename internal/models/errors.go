package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrInvalidState             = errors.New("invalid state")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrEmptyOrder               = errors.New("order has no items")
	ErrCannotCancelCompleted    = errors.New("cannot cancel completed order")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrReservationInconsistency = errors.New("reservation inconsistency")
	ErrNotFound                 = errors.New("not found")
	ErrNotPayable               = errors.New("payment is not payable")
	ErrNotFailable              = errors.New("payment cannot be marked failed")
	ErrCartConverted            = errors.New("cart already converted")
	ErrUnknownProvider          = errors.New("unknown payment provider")
	ErrInvalidSignature         = errors.New("invalid webhook signature")
)

// NotFoundError names the missing entity and matches ErrNotFound.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string { return e.Entity + " not found" }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

var (
	ErrOrderNotFound     = &NotFoundError{Entity: "order"}
	ErrPaymentNotFound   = &NotFoundError{Entity: "payment"}
	ErrInventoryNotFound = &NotFoundError{Entity: "inventory"}
	ErrVariantNotFound   = &NotFoundError{Entity: "variant"}
	ErrCartNotFound      = &NotFoundError{Entity: "cart"}
	ErrCustomerNotFound  = &NotFoundError{Entity: "customer"}
)

type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
