package client

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// sessionID is minted once per process and embedded in every request ID
// this process produces, so request IDs from concurrent tabs/processes
// sharing a clientID never collide (spec.md §6 "requestID").
var sessionID = uuid.NewString()

var requestCounter uint64

// NewRequestID returns the next request ID for clientID: a
// "clientID-sessionID-counter" string, monotonically increasing within
// this process for the lifetime of the package.
func NewRequestID(clientID string) string {
	n := atomic.AddUint64(&requestCounter, 1)
	return fmt.Sprintf("%s-%s-%d", clientID, sessionID, n)
}
