// Package device abstracts the tag reader polled by the scanner. A Reader
// exposes a non-blocking Poll for the normal scan loop and a blocking
// WaitForTag used while provisioning a new tag.
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoDevice       = errors.New("no scanning device available")
	ErrNoTag          = errors.New("no tag present")
	ErrClosed         = errors.New("device closed")
	ErrUnsupportedTag = errors.New("tag type cannot store an identifier")
)

// MaxIDLength is the number of bytes of user memory reserved for the
// identifier on a tag.
const MaxIDLength = 16

// Reader is a tag reader.
type Reader interface {
	// Poll returns the identifier of the tag in the field, or ErrNoTag.
	Poll(ctx context.Context) (string, error)
	// WaitForTag blocks until a tag is presented or ctx is done.
	WaitForTag(ctx context.Context) (string, error)
	// WriteID stores id on the tag currently in the field.
	WriteID(ctx context.Context, id string) error
	Close() error
}

// Opener connects to a reader.
type Opener func() (Reader, error)

// encodeID pads id into the fixed identifier area of a tag.
func encodeID(id string) ([MaxIDLength]byte, error) {
	var buf [MaxIDLength]byte
	if id == "" || len(id) > MaxIDLength {
		return buf, fmt.Errorf("identifier must be 1-%d bytes, got %d", MaxIDLength, len(id))
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return buf, fmt.Errorf("identifier contains non-printable byte 0x%02x", id[i])
		}
	}
	copy(buf[:], id)
	return buf, nil
}

// decodeID reads an identifier written by encodeID. Blank or foreign
// content decodes to "".
func decodeID(raw []byte) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		c := raw[n]
		if c < 0x21 || c > 0x7e {
			return ""
		}
		n++
	}
	return string(raw[:n])
}
