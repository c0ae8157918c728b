// Package ids generates the prefixed, time-ordered identifiers used across
// the service: req-<unix-ms>-<random>, agent-<unix-ms>-<random>,
// msg-<unix-ms>-<random>.
package ids

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// New returns "<prefix>-<unix-ms>-<random-base36>". Identifiers sort
// roughly by creation time and are unique enough for request and message
// correlation; they are not a substitute for UUIDs in durable stores.
func New(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), randBase36(8))
}

func randBase36(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(base36[rand.IntN(len(base36))])
	}
	return b.String()
}
