// Package chunkset decodes the LZ4-wrapped block stream carried inside a
// tracev3 chunkset chunk (tag 0x600d) into the concatenated firehose page
// bytes it contains.
//
// The block framing ("bv41"/"bv4$"/"bv4-" signatures, each block prefixed
// by its decompressed and compressed sizes) is the same scheme Apple uses
// for DTX message payloads on the wire; other_examples/danielpaulus-go-ios
// decompresses that exact framing with github.com/pierrec/lz4's raw block
// API, which is what this module uses here too.
package chunkset

import (
	"fmt"

	"github.com/marloson/macos-UnifiedLogs/internal/breader"
	"github.com/pierrec/lz4"
)

const signatureSize = 4

var (
	sigLZ4   = [signatureSize]byte{'b', 'v', '4', '1'}
	sigEnd   = [signatureSize]byte{'b', 'v', '4', '$'}
	sigStore = [signatureSize]byte{'b', 'v', '4', '-'}
)

// Decompress walks the block stream in payload and returns the
// concatenation of every block's decompressed bytes — the raw byte run of
// firehose pages ready for internal/firehose to parse.
func Decompress(payload []byte) ([]byte, error) {
	r := breader.New(payload)
	var out []byte

	for r.Remaining() >= signatureSize {
		sigBytes, err := r.Bytes(signatureSize)
		if err != nil {
			return out, fmt.Errorf("chunkset: %w", err)
		}
		var sig [signatureSize]byte
		copy(sig[:], sigBytes)

		switch sig {
		case sigEnd:
			return out, nil

		case sigLZ4:
			decSize, err := r.U32()
			if err != nil {
				return out, fmt.Errorf("chunkset: reading decompressed size: %w", err)
			}
			compSize, err := r.U32()
			if err != nil {
				return out, fmt.Errorf("chunkset: reading compressed size: %w", err)
			}
			compressed, err := r.Bytes(int(compSize))
			if err != nil {
				return out, fmt.Errorf("chunkset: reading compressed block: %w", err)
			}
			dst := make([]byte, decSize)
			n, err := lz4.UncompressBlock(compressed, dst)
			if err != nil {
				return out, fmt.Errorf("chunkset: lz4 decompress: %w", err)
			}
			out = append(out, dst[:n]...)

		case sigStore:
			decSize, err := r.U32()
			if err != nil {
				return out, fmt.Errorf("chunkset: reading stored size: %w", err)
			}
			// Stored blocks carry a second size field matching decSize,
			// mirroring the compressed-size slot of an LZ4 block.
			if _, err := r.U32(); err != nil {
				return out, fmt.Errorf("chunkset: reading stored size2: %w", err)
			}
			raw, err := r.Bytes(int(decSize))
			if err != nil {
				return out, fmt.Errorf("chunkset: reading stored block: %w", err)
			}
			out = append(out, raw...)

		default:
			return out, fmt.Errorf("chunkset: unrecognized block signature %q", sigBytes)
		}
	}

	return out, nil
}
