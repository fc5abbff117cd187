package service

import "errors"

var (
	ErrInvalidUser       = errors.New("invalid user")
	ErrInvalidProduct    = errors.New("invalid product")
	ErrInvalidCity       = errors.New("invalid city")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrEmptyOrderNo      = errors.New("order number is required")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderNotFound     = errors.New("order not found")
	ErrForbidden         = errors.New("order belongs to another user")
	ErrNotPayable        = errors.New("order is not payable")
	ErrNotCancelable     = errors.New("order is not cancelable")
	ErrOrderTimedOut     = errors.New("order timed out")
	ErrOrderCanceled     = errors.New("order canceled")
	ErrOrderAlreadyPaid  = errors.New("order already paid")
	ErrCartLineNotFound  = errors.New("cart line not found")
	ErrStoreBusy         = errors.New("order store busy, retry")
)
