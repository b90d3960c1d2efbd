package sync

import (
	"context"

	"syncdb/pkg/syncerr"
)

// doPull calls the puller, retrying up to MaxReauthTries times on a 401
// (spec.md §4.G.7): each retry asks HostCallbacks.GetAuth for a fresh
// token, records the outcome in the auth cache, and sets it on authBox
// before the transport reads it again.
func (e *Engine) doPull(ctx context.Context, req PullRequest) (*PullResponse, *ErrorResponse, error) {
	for tries := 0; ; tries++ {
		resp, errResp, err := e.puller.Pull(ctx, req)
		if err == nil {
			if tok := e.authBox.Get(); tok != "" {
				e.auth.Put(tok, true)
			}
			return resp, errResp, nil
		}
		if !syncerr.Is(err, syncerr.KindAuthorization) || tries >= MaxReauthTries {
			return nil, nil, err
		}
		if tok := e.authBox.Get(); tok != "" {
			e.auth.Put(tok, false)
		}
		if !e.reauth(ctx) {
			return nil, nil, err
		}
	}
}

// doPush mirrors doPull's reauth loop for the push direction.
func (e *Engine) doPush(ctx context.Context, req PushRequest) (*ErrorResponse, error) {
	for tries := 0; ; tries++ {
		errResp, err := e.pusher.Push(ctx, req)
		if err == nil {
			if tok := e.authBox.Get(); tok != "" {
				e.auth.Put(tok, true)
			}
			return errResp, nil
		}
		if !syncerr.Is(err, syncerr.KindAuthorization) || tries >= MaxReauthTries {
			return nil, err
		}
		if tok := e.authBox.Get(); tok != "" {
			e.auth.Put(tok, false)
		}
		if !e.reauth(ctx) {
			return nil, err
		}
	}
}

// reauth asks the host for a fresh token and installs it on authBox,
// reporting whether one was obtained.
func (e *Engine) reauth(ctx context.Context) bool {
	if e.callbacks.GetAuth == nil {
		return false
	}
	token, ok := e.callbacks.GetAuth(ctx)
	if !ok {
		return false
	}
	e.authBox.Set(token)
	return true
}
