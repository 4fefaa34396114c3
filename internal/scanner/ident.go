package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ergroom/internal/device"
)

var mintCounter atomic.Uint64

// NewTagID mints a short identifier for a blank tag from the time, the
// process id, the host's node id and a process-wide counter. It is unique
// within a deployment but not unpredictable.
func NewTagID(now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d/%d/%x/%d",
		now.UnixNano(), os.Getpid(), uuid.NodeID(), mintCounter.Add(1))))
	return hex.EncodeToString(sum[:])[:device.MaxIDLength]
}
