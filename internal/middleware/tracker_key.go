package middleware

import (
	"crypto/subtle"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/redlegion/eventpay/pkg/response"
	"github.com/redlegion/eventpay/pkg/utils"
)

// TrackerKeyHeader carries the shared key of the presence tracker.
const TrackerKeyHeader = "X-Tracker-Key"

// TrackerKey admits requests whose X-Tracker-Key matches the bcrypt hash. An empty hash rejects everything.
// The last accepted key is remembered so steady presence traffic skips bcrypt.
func TrackerKey(hash string) gin.HandlerFunc {
	var accepted atomic.Pointer[string]
	return func(c *gin.Context) {
		key := c.GetHeader(TrackerKeyHeader)
		if hash == "" || key == "" {
			response.Unauthorized(c, "invalid tracker key")
			c.Abort()
			return
		}
		if last := accepted.Load(); last != nil && subtle.ConstantTimeCompare([]byte(*last), []byte(key)) == 1 {
			c.Next()
			return
		}
		if !utils.CheckSecret(key, hash) {
			response.Unauthorized(c, "invalid tracker key")
			c.Abort()
			return
		}
		accepted.Store(&key)
		c.Next()
	}
}
