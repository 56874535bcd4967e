package bptree

import "errors"

var (
	// ErrInvalidArgument is returned when a key's width does not match the
	// tree's configured key size. Rejected before any latch is taken.
	ErrInvalidArgument = errors.New("bptree: invalid argument")

	// ErrTreeCorrupted signals an on-disk invariant violation (an
	// unexpected page type where a leaf or internal node was expected).
	ErrTreeCorrupted = errors.New("bptree: corrupted page")
)
