// Package senko implements a Discord bot that sends users a direct
// message when a watched keyword or phrase appears in a guild channel
// they can see.
//
// The core of the package is a write-through keyword cache: a bounded,
// lazily populated view of the relational store's user/guild/keyword
// relationships, consulted synchronously on every inbound message.
// The relational store is always the source of truth; the cache is a
// derived view updated in the same call as every durable mutation.
//
// All gateway events are funneled through a single channel and handled
// by one goroutine, so cache reads and writes never interleave.
package senko

var (
	// Version is the release version of the bot, set at build time
	Version = "dev"

	// CommitSHA is the git commit the binary was built from
	CommitSHA = ""

	// BuildTime is the timestamp the binary was built at
	BuildTime = ""
)
