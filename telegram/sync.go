package telegram

import (
	"context"
	"log/slog"
	"time"

	goskills "github.com/everydev1618/goskills"
)

// hostSync mirrors a small projection of the state store to the host.
// It subscribes to the store; each change arms a debounce window, and
// when the window closes the snapshot taken at that moment is pushed.
// Consecutive changes inside one window coalesce into a single push.
type hostSync struct {
	store    *Store
	host     goskills.Host
	debounce time.Duration
	log      *slog.Logger

	// kick is the 1-slot replace-on-write channel between the store and
	// the push goroutine.
	kick        chan struct{}
	unsubscribe func()
	done        chan struct{}
}

func newHostSync(store *Store, host goskills.Host, debounce time.Duration, log *slog.Logger) *hostSync {
	return &hostSync{
		store:    store,
		host:     host,
		debounce: debounce,
		log:      log,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the store and begins the push loop. An initial
// push is queued immediately.
func (h *hostSync) Start(ctx context.Context) {
	h.unsubscribe = h.store.Subscribe(func() {
		select {
		case h.kick <- struct{}{}:
		default:
		}
	})
	h.kick <- struct{}{}
	go h.run(ctx)
}

// Stop detaches from the store and waits for the loop to exit. Safe to
// call only after Start.
func (h *hostSync) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	<-h.done
}

func (h *hostSync) run(ctx context.Context) {
	defer close(h.done)
	timer := time.NewTimer(h.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.kick:
			timer.Reset(h.debounce)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
			// Changes that landed during the window are already covered
			// by the snapshot below; drop their pending kick.
			select {
			case <-h.kick:
			default:
			}
			h.push()
		}
	}
}

// push builds the projection and hands it to the host.
func (h *hostSync) push() {
	h.host.SetState(h.projection())
}

// projection is the field subset a UI binds to. is_initialized only
// turns true after the first bulk sync completed, so the host never
// renders a half-synced account as ready.
func (h *hostSync) projection() map[string]any {
	st := h.store.Snapshot()

	totalUnread := 0
	for _, c := range st.Chats {
		totalUnread += c.UnreadCount
	}

	out := map[string]any{
		"connection_status": st.ConnectionStatus,
		"auth_status":       st.AuthStatus,
		"is_initialized":    st.InitialSyncComplete,
		"is_syncing":        st.IsSyncing,
		"total_chats":       len(st.ChatsOrder),
		"total_unread":      totalUnread,
	}
	if !st.LastSync.IsZero() {
		out["last_sync"] = st.LastSync.Unix()
	}
	if st.CurrentUser != nil {
		out["current_user"] = map[string]any{
			"id":         st.CurrentUser.ID,
			"first_name": st.CurrentUser.FirstName,
			"last_name":  st.CurrentUser.LastName,
			"username":   st.CurrentUser.Username,
		}
	}
	if st.ConnectionError != "" {
		out["connection_error"] = st.ConnectionError
	}
	if st.Degraded {
		out["degraded"] = true
	}
	return out
}
