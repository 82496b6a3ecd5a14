package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// DebridWindowKey identifies one fixed rate-limit window against the
// conversion API. window is the window number (unix time / period).
func DebridWindowKey(window int64) string {
	return fmt.Sprintf("ratelimit:debrid:%d", window)
}

func APIRateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:api:%s", keyPrefix)
}
