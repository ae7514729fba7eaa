package telegram

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	goskills "github.com/everydev1618/goskills"
	"github.com/everydev1618/goskills/ratelimit"
)

// Client wraps a Transport with everything the cache-first API expects:
// the tier gate runs before every call, provider errors arrive already
// normalized into the goskills taxonomy, flood-waits are slept and
// retried, and transient failures are retried with backoff. One Client
// owns one connection; calls funnel through a single-flight mutex.
type Client struct {
	transport Transport
	limiter   *ratelimit.Limiter
	cfg       Config
	log       *slog.Logger

	mu sync.Mutex
}

// NewClient builds a Client over an already-constructed transport.
func NewClient(transport Transport, limiter *ratelimit.Limiter, cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		transport: transport,
		limiter:   limiter,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// normalizeErr folds anything a transport or the runtime can produce
// into the taxonomy. Errors already in the taxonomy pass through.
func normalizeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case goskills.IsAuth(err), goskills.IsNotFound(err), goskills.IsTransient(err), goskills.IsFatal(err):
		return err
	}
	if _, ok := goskills.IsRateLimited(err); ok {
		return err
	}
	var vErr *goskills.ValidationError
	if errors.As(err, &vErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &goskills.TransientError{Cause: err}
	}
	return &goskills.TransientError{Cause: err}
}

// invoke runs one external call: acquire the tier gate, apply the
// request timeout, serialize on the connection, then classify the
// outcome. Flood-waits up to the cap are slept and retried; transient
// failures back off and retry; both respect the uniform retry cap.
func (c *Client) invoke(ctx context.Context, tier ratelimit.Tier, op string, fn func(ctx context.Context) error) error {
	backoff := c.cfg.ReconnectInitial
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Acquire(ctx, tier); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		c.mu.Lock()
		err := fn(callCtx)
		c.mu.Unlock()
		cancel()

		err = normalizeErr(err)
		if err == nil {
			return nil
		}

		if wait, ok := goskills.IsRateLimited(err); ok {
			if wait > c.cfg.FloodWaitCap || attempt >= c.cfg.RetryMax {
				return err
			}
			c.log.Warn("flood wait", "op", op, "wait", wait, "attempt", attempt)
			if err := c.limiter.SleepFloodWait(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if goskills.IsTransient(err) && attempt < c.cfg.RetryMax {
			c.log.Warn("transient error, retrying", "op", op, "attempt", attempt, "error", err)
			if err := sleepCtx(ctx, jitter(backoff)); err != nil {
				return err
			}
			backoff = minDuration(backoff*2, c.cfg.ReconnectMax)
			continue
		}

		return err
	}
}

// jitter applies full jitter: a uniform draw over (0, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) + 1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Connect performs a single connection attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return normalizeErr(c.transport.Connect(ctx))
}

// ConnectWithBackoff retries Connect with bounded exponential backoff
// and full jitter until it succeeds, hits a non-transient error, or ctx
// is done.
func (c *Client) ConnectWithBackoff(ctx context.Context) error {
	delay := c.cfg.ReconnectInitial
	for {
		err := c.Connect(ctx)
		if err == nil || !goskills.IsTransient(err) {
			return err
		}
		c.log.Warn("connect failed, backing off", "delay", delay, "error", err)
		if err := sleepCtx(ctx, jitter(delay)); err != nil {
			return err
		}
		delay = minDuration(delay*2, c.cfg.ReconnectMax)
	}
}

// Close tears the connection down.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.Close(ctx)
}

// Authenticated reports whether the session holds valid credentials.
func (c *Client) Authenticated(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok, err := c.transport.Authenticated(ctx)
	return ok, normalizeErr(err)
}

// Updates exposes the transport's live update stream.
func (c *Client) Updates() <-chan RawUpdate {
	return c.transport.Updates()
}

// Me resolves the current user.
//
// Tier: api_read. Errors: Auth, Transient.
func (c *Client) Me(ctx context.Context) (RawUser, error) {
	var out RawUser
	err := c.invoke(ctx, ratelimit.TierRead, "me", func(ctx context.Context) error {
		var err error
		out, err = c.transport.Me(ctx)
		return err
	})
	return out, err
}

// Dialogs fetches the chat list.
//
// Tier: api_read. Errors: Auth, RateLimited, Transient.
func (c *Client) Dialogs(ctx context.Context, limit int) ([]RawDialog, error) {
	var out []RawDialog
	err := c.invoke(ctx, ratelimit.TierRead, "dialogs", func(ctx context.Context) error {
		var err error
		out, err = c.transport.Dialogs(ctx, limit)
		return err
	})
	return out, err
}

// History fetches messages of a chat, newest first.
//
// Tier: api_read. Errors: NotFound, RateLimited, Transient.
func (c *Client) History(ctx context.Context, chatID int64, limit int, maxID int64) ([]RawMessage, error) {
	var out []RawMessage
	err := c.invoke(ctx, ratelimit.TierRead, "history", func(ctx context.Context) error {
		var err error
		out, err = c.transport.History(ctx, chatID, limit, maxID)
		return err
	})
	return out, err
}

// SendMessage sends a message.
//
// Tier: api_write. Errors: NotFound, RateLimited, Transient.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (RawMessage, error) {
	var out RawMessage
	err := c.invoke(ctx, ratelimit.TierWrite, "send_message", func(ctx context.Context) error {
		var err error
		out, err = c.transport.SendMessage(ctx, chatID, text, replyTo)
		return err
	})
	return out, err
}

// EditMessage edits a message in place.
//
// Tier: api_write. Errors: NotFound, RateLimited, Transient.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) (RawMessage, error) {
	var out RawMessage
	err := c.invoke(ctx, ratelimit.TierWrite, "edit_message", func(ctx context.Context) error {
		var err error
		out, err = c.transport.EditMessage(ctx, chatID, messageID, text)
		return err
	})
	return out, err
}

// DeleteMessages deletes messages.
//
// Tier: api_write. Errors: NotFound, RateLimited, Transient.
func (c *Client) DeleteMessages(ctx context.Context, chatID int64, ids []int64) error {
	return c.invoke(ctx, ratelimit.TierWrite, "delete_messages", func(ctx context.Context) error {
		return c.transport.DeleteMessages(ctx, chatID, ids)
	})
}

// MarkRead acknowledges messages up to maxID.
//
// Tier: api_write. Errors: NotFound, Transient.
func (c *Client) MarkRead(ctx context.Context, chatID int64, maxID int64) error {
	return c.invoke(ctx, ratelimit.TierWrite, "mark_read", func(ctx context.Context) error {
		return c.transport.MarkRead(ctx, chatID, maxID)
	})
}

// SetMuted mutes or unmutes a chat.
//
// Tier: api_write. Errors: NotFound, Transient.
func (c *Client) SetMuted(ctx context.Context, chatID int64, muted bool) error {
	return c.invoke(ctx, ratelimit.TierWrite, "set_muted", func(ctx context.Context) error {
		return c.transport.SetMuted(ctx, chatID, muted)
	})
}

// SetArchived archives or unarchives a chat.
//
// Tier: api_write. Errors: NotFound, Transient.
func (c *Client) SetArchived(ctx context.Context, chatID int64, archived bool) error {
	return c.invoke(ctx, ratelimit.TierWrite, "set_archived", func(ctx context.Context) error {
		return c.transport.SetArchived(ctx, chatID, archived)
	})
}

// Contacts fetches the contact list.
//
// Tier: api_read. Errors: Auth, RateLimited, Transient.
func (c *Client) Contacts(ctx context.Context) ([]RawUser, error) {
	var out []RawUser
	err := c.invoke(ctx, ratelimit.TierRead, "contacts", func(ctx context.Context) error {
		var err error
		out, err = c.transport.Contacts(ctx)
		return err
	})
	return out, err
}

// SearchContacts searches users by name or username.
//
// Tier: api_read. Errors: RateLimited, Transient.
func (c *Client) SearchContacts(ctx context.Context, query string, limit int) ([]RawUser, error) {
	var out []RawUser
	err := c.invoke(ctx, ratelimit.TierRead, "search_contacts", func(ctx context.Context) error {
		var err error
		out, err = c.transport.SearchContacts(ctx, query, limit)
		return err
	})
	return out, err
}

// State fetches the current server-side update cursor.
//
// Tier: api_read. Errors: Transient.
func (c *Client) State(ctx context.Context) (RawState, error) {
	var out RawState
	err := c.invoke(ctx, ratelimit.TierRead, "state", func(ctx context.Context) error {
		var err error
		out, err = c.transport.State(ctx)
		return err
	})
	return out, err
}

// Difference fetches the updates between from and the current server
// state. Used for gap recovery.
//
// Tier: api_read. Errors: Transient.
func (c *Client) Difference(ctx context.Context, from RawState) (Difference, error) {
	var out Difference
	err := c.invoke(ctx, ratelimit.TierRead, "difference", func(ctx context.Context) error {
		var err error
		out, err = c.transport.Difference(ctx, from)
		return err
	})
	return out, err
}
