package shared

import (
	"github.com/fxamacker/cbor/v2"
)

// Cbor encodes timestamps with nanosecond precision. The library default drops the
// fractional part.
var Cbor = func() cbor.EncMode {
	em, err := cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()
