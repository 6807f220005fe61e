// Package provider defines the backing resource provider consumed by the asset cache.
//
// A provider loads the raw payload for an address. The cache never assumes anything about
// its transport beyond eventual completion or an error; providers that honour ctx can be
// abandoned on timeout, providers that ignore it are simply left to finish in the background.
package provider

import (
	"context"
	"fmt"

	"github.com/1mb-dev/assetcache-go/pkg/compression"
)

// Provider fetches payloads by address.
type Provider interface {
	// Fetch loads the payload for address. typeTag is a hint for providers that store
	// several kinds of asset. A missing address should be reported as cacheerr.ErrNotFound.
	Fetch(ctx context.Context, address, typeTag string) (any, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, address, typeTag string) (any, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, address, typeTag string) (any, error) {
	return f(ctx, address, typeTag)
}

// Decoder turns the raw bytes a storage-backed provider read for address into the value
// handed to the cache.
type Decoder func(address, typeTag string, data []byte) (any, error)

// Payload formats understood by ParseDecoder.
const (
	FormatRaw    = "raw"
	FormatString = "string"
	FormatJSON   = "json"
)

// ParseDecoder returns the decoder for a payload format name. The raw format, and the empty
// name, return a nil decoder so providers hand out the stored bytes unchanged.
func ParseDecoder(format string) (Decoder, error) {
	switch format {
	case "", FormatRaw:
		return nil, nil
	case FormatString:
		return func(_, _ string, data []byte) (any, error) { return string(data), nil }, nil
	case FormatJSON:
		return func(_, _ string, data []byte) (any, error) {
			var v any
			if err := compression.DecompressAndDeserialize(data, false, nil, &v); err != nil {
				return nil, err
			}
			return v, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported payload format: %s", format)
	}
}
