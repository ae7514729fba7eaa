// Package goskills defines the protocol between a host agent runtime and
// the per-skill session runtimes it loads.
//
// A skill owns one remote account connection (Telegram, Slack, Otter, ...)
// and exposes a uniform surface to the host: lifecycle (Load/Unload/Tick),
// a setup wizard, tool calls, and trigger registration. The host in turn
// implements the Host interface, giving skills access to durable config
// storage, the cross-skill entity graph, and state mirroring.
//
// The root package holds only protocol types. Skill implementations live
// in their own packages (see telegram). The serve package provides a
// minimal runnable host harness for development.
package goskills
