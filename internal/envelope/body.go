package envelope

import (
	"errors"
	"fmt"
	"io"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
)

const opReadBody = "envelope.read_body"

// ErrBodyTooLarge indicates an HTTP body above the allowed limit.
var ErrBodyTooLarge = errors.New("envelope: body exceeds limit")

// ReadBody reads at most limit bytes from r and fails if more are available.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, collab.NewError(collab.ErrDecode, opReadBody, "read_failed", err)
	}
	if int64(len(body)) > limit {
		return nil, collab.NewError(collab.ErrDecode, opReadBody, "too_large", fmt.Errorf("%w: limit %d", ErrBodyTooLarge, limit))
	}
	return body, nil
}
