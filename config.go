package chatsync

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval       = 3 * time.Second
	DefaultReconcileWindow    = 5 * time.Second
	DefaultRefreshMinInterval = 8 * time.Second
	DefaultRefreshDelay       = 5 * time.Second
	DefaultBackgroundRefresh  = 30 * time.Second
	DefaultDirectoryTTL       = 5 * time.Minute
	DefaultDirectoryLimit     = 200
	DefaultMaxAttachmentSize  = 10 << 20
)

// Config tunes the engine. Zero fields take defaults.
type Config struct {
	// PollInterval is the cadence of the selected conversation's history poll.
	PollInterval time.Duration
	// ReconcileWindow is how long an optimistic message waits for its
	// confirmation before the history is reloaded. It depends on backend
	// latency, so deployments should tune it.
	ReconcileWindow time.Duration
	// RefreshMinInterval is the minimum spacing of accepted soft list refreshes.
	RefreshMinInterval time.Duration
	// RefreshDelay batches bursts of soft refresh requests.
	RefreshDelay time.Duration
	// BackgroundRefresh issues a soft list refresh periodically; negative disables it.
	BackgroundRefresh time.Duration
	DirectoryTTL      time.Duration
	DirectoryLimit    int

	MaxAttachmentSize int64
	// AllowedMimeTypes maps accepted attachment types to the message kind they produce.
	AllowedMimeTypes map[string]MessageKind

	Logger zerolog.Logger

	// Scheduler runs engine state. Nil creates a Loop owned by the engine.
	Scheduler Scheduler
	// Directory and Presence are process-wide; nil creates private instances.
	Directory *DirectoryCache
	Presence  *PresenceTracker
}

func (c *Config) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconcileWindow == 0 {
		c.ReconcileWindow = DefaultReconcileWindow
	}
	if c.RefreshMinInterval == 0 {
		c.RefreshMinInterval = DefaultRefreshMinInterval
	}
	if c.RefreshDelay == 0 {
		c.RefreshDelay = DefaultRefreshDelay
	}
	if c.BackgroundRefresh == 0 {
		c.BackgroundRefresh = DefaultBackgroundRefresh
	}
	if c.DirectoryTTL == 0 {
		c.DirectoryTTL = DefaultDirectoryTTL
	}
	if c.DirectoryLimit == 0 {
		c.DirectoryLimit = DefaultDirectoryLimit
	}
	if c.MaxAttachmentSize == 0 {
		c.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
	if c.AllowedMimeTypes == nil {
		c.AllowedMimeTypes = DefaultAllowedMimeTypes
	}
}
