// Package errors provides the error taxonomy of the inventory reservation engine.
package errors

import "errors"

var ErrNotFound = errors.New("stock record not found")
var ErrInsufficientStock = errors.New("not enough stock available")
var ErrStorageUnavailable = errors.New("stock storage unavailable")

var ErrInvalidID = errors.New("identifier must not be empty")
var ErrInvalidQuantity = errors.New("quantity must be a positive integer")
var ErrInvalidStock = errors.New("stock must not be negative")
var ErrStockBelowReserved = errors.New("stock cannot be set below the reserved quantity")

// ErrOverRelease is returned when a release would drive reserved below zero.
var ErrOverRelease = errors.New("release exceeds reserved quantity")

// ErrOverCommit is returned when a commit exceeds the reserved quantity,
// i.e. the caller commits units it never reserved.
var ErrOverCommit = errors.New("commit exceeds reserved quantity")

var ErrHoldNotFound = errors.New("hold not found")
var ErrHoldExpired = errors.New("hold has expired")

// IsDomain reports whether err is one of the business outcomes above rather than a storage failure.
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrInsufficientStock, ErrInvalidID, ErrInvalidQuantity, ErrInvalidStock,
		ErrStockBelowReserved, ErrOverRelease, ErrOverCommit, ErrHoldNotFound, ErrHoldExpired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
