//go:build !libnfc

package device

import "go.uber.org/zap"

// OpenLibNFC reports ErrNoDevice in builds without the libnfc tag.
func OpenLibNFC(connstring string, log *zap.Logger) (Reader, error) {
	log.Warn("built without libnfc support", zap.String("device", connstring))
	return nil, ErrNoDevice
}
