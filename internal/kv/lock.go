package kv

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// HeldLock is a single-holder lock acquired with a fresh token. Release is
// token-checked: if the TTL lapsed and another holder took the key, Release
// leaves the new holder's lock alone.
type HeldLock struct {
	store Store
	key   string
	token string
	ttl   time.Duration

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// AcquireLock attempts to take the lock once. The token is a fresh ULID, so
// two successive acquisitions always produce distinct tokens.
func AcquireLock(ctx context.Context, store Store, key string, ttl time.Duration) (*HeldLock, bool, error) {
	token := ulid.Make().String()
	ok, err := store.SetIfAbsent(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &HeldLock{store: store, key: key, token: token, ttl: ttl}, true, nil
}

// Token exposes the lock token for logging.
func (l *HeldLock) Token() string { return l.token }

// Release deletes the lock only if this holder's token is still current.
// Returns false when the lock was lost to TTL expiry.
func (l *HeldLock) Release(ctx context.Context) (bool, error) {
	l.StopHeartbeat()
	return l.store.DelIfEquals(ctx, l.key, l.token)
}

// StartHeartbeat extends the lock TTL every interval until StopHeartbeat or
// Release. Extension only happens while this holder's token is still
// current, so a lock lost to TTL expiry is never re-extended over a new
// holder.
func (l *HeldLock) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if l.stopHeartbeat != nil {
		return
	}
	l.stopHeartbeat = make(chan struct{})
	l.heartbeatDone = make(chan struct{})
	go func() {
		defer close(l.heartbeatDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopHeartbeat:
				return
			case <-ticker.C:
				if still, err := l.stillHeld(ctx); err != nil || !still {
					return
				}
				_, _ = l.store.Expire(ctx, l.key, l.ttl)
			}
		}
	}()
}

// StopHeartbeat stops the extension goroutine and waits for it to exit.
func (l *HeldLock) StopHeartbeat() {
	if l.stopHeartbeat == nil {
		return
	}
	select {
	case <-l.stopHeartbeat:
	default:
		close(l.stopHeartbeat)
	}
	<-l.heartbeatDone
	l.stopHeartbeat = nil
	l.heartbeatDone = nil
}

func (l *HeldLock) stillHeld(ctx context.Context) (bool, error) {
	val, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return false, err
	}
	return ok && val == l.token, nil
}
