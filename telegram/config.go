package telegram

import (
	"time"

	"github.com/everydev1618/goskills/ratelimit"
)

// Source is the entity-graph namespace for this skill.
const Source = "telegram"

// configFile is the credentials file under the skill's data dir.
// Absent or empty means the setup wizard must run.
const configFile = "config.json"

// dbFile is the durable store under the skill's data dir.
const dbFile = "skill.sqlite"

// credentials is what config.json holds.
type credentials struct {
	APIID         int    `json:"api_id,omitempty"`
	APIHash       string `json:"api_hash,omitempty"`
	SessionString string `json:"session_string,omitempty"`
}

func (c credentials) complete() bool {
	return c.APIID != 0 && c.APIHash != "" && c.SessionString != ""
}

// Config tunes the session runtime. Zero values fall back to defaults;
// use DefaultConfig and override fields as needed.
type Config struct {
	// MessageBuffer caps per-chat messages retained in memory. Older
	// messages stay in the durable store only.
	MessageBuffer int

	// SyncChats and SyncMessagesPerChat bound the initial bulk sync.
	SyncChats           int
	SyncMessagesPerChat int

	// RetryMax caps flood-wait and transient retries per call.
	RetryMax int

	// FloodWaitCap is the longest server-directed wait honored
	// internally; longer waits propagate as RateLimited.
	FloodWaitCap time.Duration

	// ReconnectInitial/ReconnectMax bound the reconnect backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// RequestTimeout applies to every external call.
	RequestTimeout time.Duration

	// MirrorDebounce is the host-mirror debounce window.
	MirrorDebounce time.Duration

	// Retention is how long events and summaries are kept.
	Retention time.Duration

	// DrainTimeout bounds how long unload waits for tasks to exit.
	DrainTimeout time.Duration

	// RateIntervals overrides per-tier minimum call intervals.
	RateIntervals map[ratelimit.Tier]time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MessageBuffer:       200,
		SyncChats:           20,
		SyncMessagesPerChat: 50,
		RetryMax:            3,
		FloodWaitCap:        60 * time.Second,
		ReconnectInitial:    time.Second,
		ReconnectMax:        60 * time.Second,
		RequestTimeout:      30 * time.Second,
		MirrorDebounce:      100 * time.Millisecond,
		Retention:           7 * 24 * time.Hour,
		DrainTimeout:        5 * time.Second,
	}
}

// withDefaults fills unset fields so a partially-populated Config (as
// tests use) behaves.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = def.MessageBuffer
	}
	if c.SyncChats <= 0 {
		c.SyncChats = def.SyncChats
	}
	if c.SyncMessagesPerChat <= 0 {
		c.SyncMessagesPerChat = def.SyncMessagesPerChat
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.FloodWaitCap <= 0 {
		c.FloodWaitCap = def.FloodWaitCap
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = def.ReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = def.ReconnectMax
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MirrorDebounce <= 0 {
		c.MirrorDebounce = def.MirrorDebounce
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	return c
}
