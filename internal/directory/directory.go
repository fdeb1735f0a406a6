// Package directory owns the set of configured backends: it opens one
// connection (or one pool) per backend at bootstrap, runs periodic health
// probes with reconnect-on-failure, and routes invocations to the right
// connection.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"toolmux/internal/async"
	"toolmux/internal/client"
	"toolmux/internal/logging"
	"toolmux/internal/pool"
	"toolmux/internal/transport"
)

// Directory errors.
var (
	ErrBackendNotFound    = errors.New("backend not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

const (
	reconnectRetries = 3
	reconnectDelay   = 2 * time.Second
	probeTimeout     = 10 * time.Second
)

// Status is a backend's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Spec describes one configured backend. Exactly one of Command or SocketURL
// must be set; validation happens at config load.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	SocketURL string

	// HealthURL optionally replaces the tools/list probe with an HTTP GET.
	HealthURL string

	// HealthCheckInterval enables periodic probing when > 0.
	HealthCheckInterval time.Duration

	UseConnectionPool bool
	Pool              pool.Config

	CallTimeout time.Duration
}

// Backend is one live entry in the directory.
type Backend struct {
	Spec Spec

	mu         sync.RWMutex
	conn       *client.Conn
	pool       *pool.Pool
	status     Status
	lastErr    error
	startedAt  time.Time
	reconnects int
}

// Status returns the backend lifecycle state.
func (b *Backend) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// LastError returns the most recent bootstrap/probe failure, if any.
func (b *Backend) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Reconnects returns how many health-triggered reconnects have run.
func (b *Backend) Reconnects() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reconnects
}

// Uptime reports how long the backend has been connected.
func (b *Backend) Uptime() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

// PoolStats returns pool occupancy for pooled backends.
func (b *Backend) PoolStats() (pool.Stats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.pool == nil {
		return pool.Stats{}, false
	}
	return b.pool.Stats(), true
}

func (b *Backend) setStatus(s Status, err error) {
	b.mu.Lock()
	b.status = s
	b.lastErr = err
	if s == StatusRunning {
		b.startedAt = time.Now()
	}
	b.mu.Unlock()
}

// Directory is the set of connected backends.
type Directory struct {
	specs  []Spec
	logger logging.Logger

	mu       sync.RWMutex
	backends map[string]*Backend

	ctx    context.Context
	cancel context.CancelFunc

	httpClient *http.Client

	// onReconnect, when set, runs after a backend comes back up. The catalog
	// uses it to re-import the backend's tools, which may have changed across
	// the restart.
	onReconnect func(backendName string)

	// factoryFor builds the per-spec connection factory. Overridable so tests
	// can wire in-process backends.
	factoryFor func(Spec) pool.Factory
}

// New creates a directory for the given backend specs.
func New(specs []Spec, logger logging.Logger) *Directory {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Directory{
		specs:      specs,
		logger:     logging.OrNop(logger),
		backends:   make(map[string]*Backend),
		ctx:        ctx,
		cancel:     cancel,
		httpClient: &http.Client{Timeout: probeTimeout},
	}
	d.factoryFor = d.connFactory
	return d
}

// NewWithFactory creates a directory whose connections come from factoryFor
// instead of real transports, for tests.
func NewWithFactory(specs []Spec, factoryFor func(Spec) pool.Factory, logger logging.Logger) *Directory {
	d := New(specs, logger)
	d.factoryFor = factoryFor
	return d
}

// SetOnReconnect installs the post-reconnect hook. Call before Bootstrap.
func (d *Directory) SetOnReconnect(fn func(backendName string)) {
	d.onReconnect = fn
}

// Bootstrap connects every configured backend. A backend that fails to
// connect is logged and omitted; the rest of the directory still comes up.
func (d *Directory) Bootstrap(ctx context.Context) {
	for _, spec := range d.specs {
		b := &Backend{Spec: spec, status: StatusStarting}
		if err := d.connect(ctx, b); err != nil {
			d.logger.Error("Backend %q unavailable, omitting: %v", spec.Name, err)
			continue
		}
		b.setStatus(StatusRunning, nil)

		d.mu.Lock()
		d.backends[spec.Name] = b
		d.mu.Unlock()
		d.logger.Info("Backend %q connected", spec.Name)

		if spec.HealthCheckInterval > 0 {
			async.Go(d.logger, "directory.health."+spec.Name, func() {
				d.healthLoop(b)
			})
		}
	}
}

func (d *Directory) connect(ctx context.Context, b *Backend) error {
	spec := b.Spec

	if spec.SocketURL != "" && spec.UseConnectionPool {
		p := pool.New(spec.Name, spec.Pool, d.factoryFor(spec), d.logger)
		p.Start(ctx)
		b.mu.Lock()
		b.pool = p
		b.mu.Unlock()

		// Prove the backend is reachable before admitting it.
		pc, err := p.Acquire(ctx)
		if err != nil {
			p.Close()
			b.mu.Lock()
			b.pool = nil
			b.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		p.Release(pc.ID)
		return nil
	}

	conn, err := d.factoryFor(spec)(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

// connFactory builds the open-one-connection function for a spec. The same
// factory backs both direct connections and pool members.
func (d *Directory) connFactory(spec Spec) pool.Factory {
	return func(ctx context.Context) (*client.Conn, error) {
		var t transport.Transport
		if spec.SocketURL != "" {
			t = transport.NewSocket(transport.SocketConfig{URL: spec.SocketURL}, d.logger)
		} else {
			t = transport.NewStdio(transport.StdioConfig{
				Command: spec.Command,
				Args:    spec.Args,
				Env:     spec.Env,
				WorkDir: spec.WorkDir,
			}, d.logger)
		}

		var opts []client.Option
		if spec.CallTimeout > 0 {
			opts = append(opts, client.WithCallTimeout(spec.CallTimeout))
		}
		conn := client.New(spec.Name, t, d.logger, opts...)
		if err := conn.Open(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Get returns a backend by name.
func (d *Directory) Get(name string) (*Backend, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, name)
	}
	return b, nil
}

// Names returns connected backend names in bootstrap order.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.backends))
	for _, spec := range d.specs {
		if _, ok := d.backends[spec.Name]; ok {
			out = append(out, spec.Name)
		}
	}
	return out
}

// Backends returns a snapshot of all connected backends in bootstrap order.
func (d *Directory) Backends() []*Backend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Backend, 0, len(d.backends))
	for _, spec := range d.specs {
		if b, ok := d.backends[spec.Name]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Invoke calls a backend-local tool, acquiring and releasing a pooled
// connection around the call when the backend is pooled. Release runs on both
// success and failure paths.
func (d *Directory) Invoke(ctx context.Context, backendName, tool string, args map[string]any) (*client.ToolCallResult, error) {
	b, err := d.Get(backendName)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	p := b.pool
	conn := b.conn
	b.mu.RUnlock()

	if p != nil {
		pc, err := p.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer p.Release(pc.ID)
		return pc.Conn.CallTool(ctx, tool, args)
	}

	if conn == nil {
		return nil, fmt.Errorf("%w: %q has no open connection", ErrBackendUnavailable, backendName)
	}
	return conn.CallTool(ctx, tool, args)
}

// ListTools fetches the advertised tool catalog of one backend.
func (d *Directory) ListTools(ctx context.Context, backendName string) ([]client.ToolSchema, error) {
	b, err := d.Get(backendName)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	p := b.pool
	conn := b.conn
	b.mu.RUnlock()

	if p != nil {
		pc, err := p.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer p.Release(pc.ID)
		return pc.Conn.ListTools(ctx)
	}

	if conn == nil {
		return nil, fmt.Errorf("%w: %q has no open connection", ErrBackendUnavailable, backendName)
	}
	return conn.ListTools(ctx)
}

// healthLoop probes one backend on its configured interval and reconnects it
// on failure. In-flight calls are not drained before a reconnect; they fail
// and surface as ordinary dispatch errors.
func (d *Directory) healthLoop(b *Backend) {
	ticker := time.NewTicker(b.Spec.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.probe(b); err != nil {
				d.logger.Warn("Health probe for %q failed: %v", b.Spec.Name, err)
				b.setStatus(StatusError, err)
				d.reconnect(b)
			}
		}
	}
}

func (d *Directory) probe(b *Backend) error {
	ctx, cancel := context.WithTimeout(d.ctx, probeTimeout)
	defer cancel()

	if b.Spec.HealthURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Spec.HealthURL, nil)
		if err != nil {
			return err
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health endpoint returned %s", resp.Status)
		}
		return nil
	}

	// Default probe: a lightweight catalog-list call.
	_, err := d.ListTools(ctx, b.Spec.Name)
	return err
}

// reconnect tears the backend's connection down and brings it back up with
// bounded retries.
func (d *Directory) reconnect(b *Backend) {
	d.logger.Info("Reconnecting backend %q", b.Spec.Name)
	d.disconnect(b)

	for attempt := 1; attempt <= reconnectRetries; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, probeTimeout)
		err := d.connect(ctx, b)
		cancel()
		if err == nil {
			b.mu.Lock()
			b.reconnects++
			b.mu.Unlock()
			b.setStatus(StatusRunning, nil)
			d.logger.Info("Backend %q reconnected (attempt %d)", b.Spec.Name, attempt)
			if d.onReconnect != nil {
				d.onReconnect(b.Spec.Name)
			}
			return
		}

		d.logger.Warn("Reconnect attempt %d/%d for %q failed: %v",
			attempt, reconnectRetries, b.Spec.Name, err)
		b.setStatus(StatusError, err)

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (d *Directory) disconnect(b *Backend) {
	b.mu.Lock()
	p := b.pool
	conn := b.conn
	b.pool = nil
	b.conn = nil
	b.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			d.logger.Warn("Failed to close connection to %q: %v", b.Spec.Name, err)
		}
	}
}

// Shutdown disconnects every backend and stops all health loops.
func (d *Directory) Shutdown() {
	d.cancel()

	d.mu.Lock()
	backends := make([]*Backend, 0, len(d.backends))
	for _, b := range d.backends {
		backends = append(backends, b)
	}
	d.mu.Unlock()

	for _, b := range backends {
		d.disconnect(b)
		b.setStatus(StatusStopped, nil)
	}
	d.logger.Info("Directory shut down")
}
