package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// DispatchLockKey serializes dispatch ticks across processes.
const DispatchLockKey = "lock:dispatch:tick"

func TaskStatusKey(taskID uuid.UUID) string {
	return fmt.Sprintf("task:%s:status", taskID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
