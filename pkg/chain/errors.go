package chain

import (
	"errors"
	"strings"
)

// Category classifies a failure reported by a Chain Adapter or Relay Prover.
type Category int

const (
	// CategoryUnknown is any failure without a more specific category. It is
	// fatal for the current cycle.
	CategoryUnknown Category = iota
	// CategoryNotCheckpointed The source state has not been checkpointed on the
	// base chain yet, so no proof exists
	CategoryNotCheckpointed
	// CategoryAlreadyRelayed The message was already relayed by someone else
	CategoryAlreadyRelayed
	// CategoryProofUnavailable The prover could not find the events it needs
	CategoryProofUnavailable
	// CategoryBonderFeeTooLow The bonder fee does not cover the bonding cost
	CategoryBonderFeeTooLow
)

func (c Category) String() string {
	switch c {
	case CategoryNotCheckpointed:
		return "NotCheckpointed"
	case CategoryAlreadyRelayed:
		return "AlreadyRelayed"
	case CategoryProofUnavailable:
		return "ProofUnavailable"
	case CategoryBonderFeeTooLow:
		return "BonderFeeTooLow"
	default:
		return "Unknown"
	}
}

// Benign reports whether a failure of this category only defers work.
func (c Category) Benign() bool {
	switch c {
	case CategoryNotCheckpointed, CategoryAlreadyRelayed, CategoryProofUnavailable:
		return true
	default:
		return false
	}
}

// Error is the structured error returned across the adapter boundary.
type Error struct {
	Category Category
	Message  string
	Err      error
}

// Error method to comply with error interface
func (err *Error) Error() string {
	if err.Err != nil {
		if err.Message != "" {
			return err.Message + ": " + err.Err.Error()
		}
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err *Error) Unwrap() error {
	return err.Err
}

// NewError wraps err with a category.
func NewError(cat Category, msg string, err error) *Error {
	return &Error{Category: cat, Message: msg, Err: err}
}

// Is checks that err is an *Error with the given category
func Is(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// CategoryOf returns the category of err, or CategoryUnknown.
func CategoryOf(err error) Category {
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return chainErr.Category
	}
	return CategoryUnknown
}

// legacyMessages maps error text produced by third-party relaying and
// contract tooling onto categories. Only adapters call ClassifyLegacy; the
// watchers switch on categories.
var legacyMessages = []struct {
	substr   string
	category Category
}{
	{"unable to find state root batch for tx", CategoryNotCheckpointed},
	{"message has already been received", CategoryAlreadyRelayed},
	{"Cannot read property", CategoryProofUnavailable},
	{"bonder fee too low", CategoryBonderFeeTooLow},
	{"BonderFeeTooLow", CategoryBonderFeeTooLow},
}

// ClassifyLegacy returns err unchanged when it already carries a category,
// wraps it with the category matching its text otherwise, and returns nil
// for nil.
func ClassifyLegacy(err error) error {
	if err == nil {
		return nil
	}
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return err
	}
	msg := err.Error()
	for _, m := range legacyMessages {
		if strings.Contains(msg, m.substr) {
			return NewError(m.category, "", err)
		}
	}
	return err
}
