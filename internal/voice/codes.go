package voice

import (
	"fmt"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/npy"
	"github.com/example/fishspeech-server/internal/tokens"
)

// ContentType is the media type of an encoded codes file.
const ContentType = "application/x-npy"

// EncodeCodes serializes codec codes as a [codebooks, frames] U32 .npy array.
func EncodeCodes(codes tokens.Matrix) ([]byte, error) {
	if codes.Rows() == 0 || codes.Cols() == 0 {
		return nil, apperr.Input("voice codes are empty")
	}

	data, err := npy.Encode(npy.Array{
		DType: npy.DTypeU32,
		Shape: []int{codes.Rows(), codes.Cols()},
		Data:  codes.Data(),
	})
	if err != nil {
		return nil, fmt.Errorf("voice: encode codes: %w", err)
	}

	return data, nil
}

// DecodeCodes parses a codes file. Any integer dtype is accepted as long as
// the array is two-dimensional and holds no negative code.
func DecodeCodes(data []byte) (tokens.Matrix, error) {
	a, err := npy.Decode(data)
	if err != nil {
		return tokens.Matrix{}, apperr.Wrap(apperr.KindSerialization, fmt.Errorf("voice: parse codes: %w", err))
	}

	if len(a.Shape) != 2 {
		return tokens.Matrix{}, apperr.Wrap(apperr.KindSerialization, fmt.Errorf("voice: codes array has rank %d, want 2", len(a.Shape)))
	}
	for i, v := range a.Data {
		if v < 0 {
			return tokens.Matrix{}, apperr.Wrap(apperr.KindSerialization, fmt.Errorf("voice: negative code %d at index %d", v, i))
		}
	}

	m, err := tokens.New(a.Shape[0], a.Shape[1], a.Data)
	if err != nil {
		return tokens.Matrix{}, apperr.Wrap(apperr.KindSerialization, fmt.Errorf("voice: %w", err))
	}

	return m, nil
}
