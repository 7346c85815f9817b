// Package bsonpath resolves dotted field paths ("a.b.c") against raw BSON
// documents without allocating or decoding the whole document.
package bsonpath

import (
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrNotPresent means some segment of the key (the final one, or an
// intermediate one) does not exist in the document.
var ErrNotPresent = errors.New("bsonpath: not present")

// ErrUnexpectedType means an intermediate segment exists but holds a value
// that is not a subdocument, so descent cannot continue.
var ErrUnexpectedType = errors.New("bsonpath: unexpected type")

// Get resolves key, a dotted path "seg1.seg2.…segN", against doc.
//
// Descent is left to right; the first segment that fails to resolve
// terminates the lookup without examining the rest. The empty key always
// resolves to ErrNotPresent. A single-segment key resolves in the root
// document.
func Get(doc bson.Raw, key string) (bson.RawValue, error) {
	if key == "" {
		return bson.RawValue{}, ErrNotPresent
	}

	segments := strings.Split(key, ".")
	current := doc

	for i, seg := range segments {
		last := i == len(segments)-1

		val, err := current.LookupErr(seg)
		if err != nil {
			return bson.RawValue{}, ErrNotPresent
		}

		if last {
			return val, nil
		}

		sub, ok := val.DocumentOK()
		if !ok {
			return bson.RawValue{}, ErrUnexpectedType
		}
		current = sub
	}

	// unreachable: segments is never empty once key != ""
	return bson.RawValue{}, ErrNotPresent
}
