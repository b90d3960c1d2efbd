// Package sync implements the pull/push/poke sync engine of spec.md §4.G:
// fetching a server-confirmed snapshot, rebasing pending local mutations
// onto it, and pushing pending mutations back, plus the failure semantics
// (backoff, reauth, client-state-not-found promotion) that wrap both
// directions.
package sync

import (
	"context"

	"syncdb/pkg/chunk"
	"syncdb/pkg/log"
)

var engineLog = log.Component("sync")

// PullRequest is the body sent to the pull endpoint (spec.md §6).
type PullRequest struct {
	PullVersion   int         `json:"pullVersion"`
	ProfileID     string      `json:"profileID"`
	ClientGroupID string      `json:"clientGroupID"`
	Cookie        chunk.Value `json:"cookie"`
	SchemaVersion string      `json:"schemaVersion"`
}

// PullResponse is a successful (200) pull response body.
type PullResponse struct {
	Cookie                chunk.Value       `json:"cookie"`
	LastMutationIDChanges map[string]uint64 `json:"lastMutationIDChanges"`
	Patch                 []PatchOp         `json:"patch"`
}

// ErrorResponse is a pull or push error response body: either
// {"error":"ClientStateNotFound"} or {"error":"VersionNotSupported",
// "versionType": "pull"|"push"|"schema"}.
type ErrorResponse struct {
	Error       string `json:"error"`
	VersionType string `json:"versionType,omitempty"`
}

const (
	ErrorClientStateNotFound = "ClientStateNotFound"
	ErrorVersionNotSupported = "VersionNotSupported"
)

// MutationDesc is one pending mutation as sent to the push endpoint.
type MutationDesc struct {
	ClientID  string      `json:"clientID"`
	ID        uint64      `json:"id"`
	Name      string      `json:"name"`
	Args      chunk.Value `json:"args"`
	Timestamp uint64      `json:"timestamp"`
}

// PushRequest is the body sent to the push endpoint (spec.md §6).
type PushRequest struct {
	PushVersion   int            `json:"pushVersion"`
	ProfileID     string         `json:"profileID"`
	ClientGroupID string         `json:"clientGroupID"`
	SchemaVersion string         `json:"schemaVersion"`
	Mutations     []MutationDesc `json:"mutations"`
}

// Puller performs one pull round trip. A transport-level failure (the
// request never got a response) returns a non-nil error; a well-formed
// error body returns a non-nil *ErrorResponse instead.
type Puller interface {
	Pull(ctx context.Context, req PullRequest) (*PullResponse, *ErrorResponse, error)
}

// Pusher performs one push round trip, same error-signaling convention as
// Puller.
type Pusher interface {
	Push(ctx context.Context, req PushRequest) (*ErrorResponse, error)
}

// HostCallbacks are the engine's notifications to its embedder (spec.md §6
// "Host callbacks"). Any nil field is simply not invoked.
type HostCallbacks struct {
	OnSync                func(syncing bool)
	OnOnlineChange        func(online bool)
	OnClientStateNotFound func()
	OnUpdateNeeded        func(kind, versionType string)
	GetAuth               func(ctx context.Context) (string, bool)
	OnClientsDeleted      func(clientIDs, clientGroupIDs []string)
}

func (h HostCallbacks) fireSync(syncing bool) {
	if h.OnSync != nil {
		h.OnSync(syncing)
	}
}

func (h HostCallbacks) fireOnlineChange(online bool) {
	if h.OnOnlineChange != nil {
		h.OnOnlineChange(online)
	}
}

func (h HostCallbacks) fireClientStateNotFound() {
	if h.OnClientStateNotFound != nil {
		h.OnClientStateNotFound()
	}
}

func (h HostCallbacks) fireUpdateNeeded(kind, versionType string) {
	if h.OnUpdateNeeded != nil {
		h.OnUpdateNeeded(kind, versionType)
	}
}
