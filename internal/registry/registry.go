// Package registry owns every live streaming client in the process, keyed by
// session id, and mirrors session metadata to an external store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aura-interview/voice-engine/internal/metrics"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/internal/streaming"
)

const (
	metadataTimeout = 2 * time.Second
	mirrorThrottle  = 5 * time.Second
	watchBuffer     = 32
)

// Eviction reasons.
const (
	ReasonEnded        = "ended"
	ReasonIdle         = "idle"
	ReasonDisconnected = "disconnected"
	ReasonShutdown     = "shutdown"
)

// ErrShutdown is returned by GetOrCreate after Shutdown.
var ErrShutdown = errors.New("registry shut down")

// StreamClient is the subset of *streaming.Client the registry hands out.
type StreamClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(buffer int) (<-chan streaming.Event, func())
	State() streaming.State
	SendAudio(pcm []byte) error
	SendText(text string) error
	Interrupt() error
	SendAudioStreamEnd() error
	SendToolResponse(id, name string, response interface{}) error
}

// SessionConfig holds immutable conversation parameters.
type SessionConfig struct {
	UserID            string
	JobRole           string
	Difficulty        models.Difficulty
	SystemInstruction string
}

// CredentialProvider fetches the backend credential for a new client.
type CredentialProvider interface {
	Credential(ctx context.Context, sessionID string) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, sessionID string) (string, error)

func (f CredentialFunc) Credential(ctx context.Context, sessionID string) (string, error) {
	return f(ctx, sessionID)
}

// ClientFactory builds a disconnected client.
type ClientFactory func(sessionID string, cfg SessionConfig, credential string) (StreamClient, error)

// Options configures a Registry.
type Options struct {
	Factory       ClientFactory
	Credentials   CredentialProvider
	Metadata      MetadataStore
	Metrics       *metrics.Collector
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Node          string
	Now           func() time.Time
}

type entry struct {
	client       StreamClient
	meta         models.SessionMeta
	unsubscribe  func()
	lastMirrored time.Time
}

// Registry is an explicit, constructor-injected session registry. Create one
// with New, start the sweeper with Init and stop it with Shutdown.
type Registry struct {
	factory       ClientFactory
	creds         CredentialProvider
	meta          MetadataStore
	metrics       *metrics.Collector
	idleTimeout   time.Duration
	sweepInterval time.Duration
	node          string
	now           func() time.Time
	logger        *zap.Logger

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]*entry
	closed   bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a registry. Factory is required.
func New(opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Metadata == nil {
		opts.Metadata = NopMetadata{}
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		factory:       opts.Factory,
		creds:         opts.Credentials,
		meta:          opts.Metadata,
		metrics:       opts.Metrics,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		node:          opts.Node,
		now:           opts.Now,
		logger:        logger.With(zap.String("component", "session_registry")),
		entries:       make(map[string]*entry),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Init starts the idle sweeper.
func (r *Registry) Init() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.logger.Info("idle sessions evicted", zap.Int("count", n))
				}
			}
		}
	}()
}

// GetOrCreate returns the session's client, creating it on first use.
// Concurrent callers for the same id share one creation and one credential fetch.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string, cfg SessionConfig) (StreamClient, error) {
	if c, ok := r.Get(sessionID); ok {
		return c, nil
	}
	v, err, _ := r.group.Do(sessionID, func() (interface{}, error) {
		if c, ok := r.Get(sessionID); ok {
			return c, nil
		}
		return r.create(ctx, sessionID, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(StreamClient), nil
}

func (r *Registry) create(ctx context.Context, sessionID string, cfg SessionConfig) (StreamClient, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	credential := ""
	if r.creds != nil {
		var err error
		credential, err = r.creds.Credential(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("fetch credential: %w", err)
		}
	}
	client, err := r.factory(sessionID, cfg, credential)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	now := r.now()
	meta := models.SessionMeta{
		SessionID:         sessionID,
		UserID:            cfg.UserID,
		JobRole:           cfg.JobRole,
		Difficulty:        cfg.Difficulty,
		SystemInstruction: cfg.SystemInstruction,
		Status:            models.StatusIdle,
		Node:              r.node,
		CreatedAt:         now,
		LastActivity:      now,
	}
	if existing, _ := r.lookupMirror(sessionID); existing != nil {
		meta.CreatedAt = existing.CreatedAt
		meta.Status = existing.Status
	}

	events, unsubscribe := client.Subscribe(watchBuffer)
	e := &entry{client: client, meta: meta, unsubscribe: unsubscribe, lastMirrored: now}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsubscribe()
		return nil, ErrShutdown
	}
	r.entries[sessionID] = e
	r.mu.Unlock()

	go r.watch(sessionID, client, events)
	r.metrics.SessionCreated()
	r.mirror("put", func(ctx context.Context) error { return r.meta.Put(ctx, meta, r.idleTimeout) })
	r.logger.Info("session registered", zap.String("session_id", sessionID), zap.String("job_role", cfg.JobRole))
	return client, nil
}

// watch self-evicts the entry when its client gives up for good.
func (r *Registry) watch(sessionID string, client StreamClient, events <-chan streaming.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case streaming.DisconnectedEvent:
			r.metrics.ClientDisconnected(e.WillReconnect)
			if !e.WillReconnect {
				r.evict(sessionID, client, ReasonDisconnected)
				return
			}
		case streaming.ReconnectExhaustedEvent:
			r.evict(sessionID, client, ReasonDisconnected)
			return
		default:
			r.Touch(sessionID)
		}
	}
}

// Get returns the client for sessionID and touches its activity.
func (r *Registry) Get(sessionID string) (StreamClient, bool) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.Touch(sessionID)
	return e.client, true
}

// Peek returns the client for sessionID without touching it.
func (r *Registry) Peek(sessionID string) (StreamClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Touch records activity. Returns false for unknown sessions.
func (r *Registry) Touch(sessionID string) bool {
	now := r.now()
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.meta.LastActivity = now
	refresh := now.Sub(e.lastMirrored) >= mirrorThrottle
	if refresh {
		e.lastMirrored = now
	}
	meta := e.meta
	r.mu.Unlock()

	if refresh {
		r.mirror("touch", func(ctx context.Context) error { return r.meta.Put(ctx, meta, r.idleTimeout) })
	}
	return true
}

// SetStatus records a status change for a locally held session and mirrors it.
func (r *Registry) SetStatus(sessionID string, status models.SessionStatus) bool {
	now := r.now()
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.meta.Status = status
	e.meta.LastActivity = now
	e.lastMirrored = now
	meta := e.meta
	r.mu.Unlock()

	r.mirror("put", func(ctx context.Context) error { return r.meta.Put(ctx, meta, r.idleTimeout) })
	r.mirror("publish", func(ctx context.Context) error { return r.meta.PublishStatus(ctx, sessionID, status) })
	return true
}

// Announce mirrors metadata for a session that has no live client yet.
func (r *Registry) Announce(meta models.SessionMeta) {
	if meta.Node == "" {
		meta.Node = r.node
	}
	r.mirror("put", func(ctx context.Context) error { return r.meta.Put(ctx, meta, r.idleTimeout) })
}

// Lookup reports session metadata from local state, falling back to the mirror.
func (r *Registry) Lookup(sessionID string) (models.SessionMeta, bool) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	var meta models.SessionMeta
	if ok {
		meta = e.meta
	}
	r.mu.Unlock()
	if ok {
		return meta, true
	}
	remote, err := r.lookupMirror(sessionID)
	if err != nil || remote == nil {
		return models.SessionMeta{}, false
	}
	return *remote, true
}

func (r *Registry) lookupMirror(sessionID string) (*models.SessionMeta, error) {
	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()
	meta, err := r.meta.Get(ctx, sessionID)
	if err != nil {
		r.metrics.MetadataError("get")
		r.logger.Warn("metadata lookup failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return meta, err
}

// End disconnects the session's client and removes all local and mirrored
// metadata. Ending an unknown session still clears the mirror.
func (r *Registry) End(sessionID string) {
	r.remove(sessionID, nil, ReasonEnded)
}

func (r *Registry) evict(sessionID string, client StreamClient, reason string) {
	r.remove(sessionID, client, reason)
}

// remove tears an entry down. When only is non-nil the entry is removed only
// if it still holds that client instance.
func (r *Registry) remove(sessionID string, only StreamClient, reason string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok && only != nil && e.client != only {
		r.mu.Unlock()
		return
	}
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()

	if ok {
		r.teardown(sessionID, e, reason)
		return
	}
	if only == nil {
		r.mirror("delete", func(ctx context.Context) error { return r.meta.Delete(ctx, sessionID) })
	}
}

func (r *Registry) teardown(sessionID string, e *entry, reason string) {
	e.unsubscribe()
	if err := e.client.Disconnect(); err != nil {
		r.logger.Warn("disconnect failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	r.metrics.SessionRemoved(reason)
	r.mirror("delete", func(ctx context.Context) error { return r.meta.Delete(ctx, sessionID) })
	r.logger.Info("session removed", zap.String("session_id", sessionID), zap.String("reason", reason))
}

// Sweep evicts sessions idle longer than the idle timeout and returns how many.
func (r *Registry) Sweep() int {
	now := r.now()
	stale := make(map[string]*entry)
	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.meta.LastActivity) > r.idleTimeout {
			stale[id] = e
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	for id, e := range stale {
		r.teardown(id, e, ReasonIdle)
	}
	return len(stale)
}

// Count returns the number of locally held sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shutdown stops the sweeper and ends every session in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			r.remove(id, nil, ReasonShutdown)
			return nil
		})
	}
	finished := make(chan error, 1)
	go func() { finished <- g.Wait() }()
	select {
	case err := <-finished:
		r.logger.Info("registry shut down", zap.Int("sessions", len(ids)))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once the sweeper goroutine has exited.
func (r *Registry) Stopped() <-chan struct{} {
	return r.done
}

func (r *Registry) mirror(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.metrics.MetadataError(op)
		r.logger.Warn("metadata mirror failed", zap.String("op", op), zap.Error(err))
	}
}
