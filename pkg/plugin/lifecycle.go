package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/pipeline"
)

// OptionsSnapshot is a cloned, value-copy view of the client configuration
// visible to a plugin at Initialize time. Every field is a plain value,
// never a pointer into live client state, so a plugin mutating its own
// copy has no effect on the client.
type OptionsSnapshot struct {
	Protocol   string
	ProxyURL   string
	NoProxyEnv bool
	TLSBackend string
	ConnectIP  string
}

// PluginContext is passed to Plugin.Initialize. A plugin contributes
// interceptors by calling AddInterceptor; everything a plugin adds is
// discarded together if its own Initialize call fails.
type PluginContext struct {
	Options OptionsSnapshot

	mu           sync.Mutex
	interceptors []pipeline.Entry
}

// AddInterceptor registers an interceptor, with the given capabilities,
// to run for every request sent by the client this plugin was registered
// with.
func (pc *PluginContext) AddInterceptor(ic pipeline.Interceptor, caps pipeline.Capability) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.interceptors = append(pc.interceptors, pipeline.Entry{Interceptor: ic, Capabilities: caps})
}

func (pc *PluginContext) snapshotInterceptors() []pipeline.Entry {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]pipeline.Entry, len(pc.interceptors))
	copy(out, pc.interceptors)
	return out
}

// Plugin is a unit of client extension with a two-phase lifecycle:
// Initialize runs synchronously at registration and may fail (rejecting
// the registration and rolling back anything it contributed); Shutdown
// runs, with a bounded timeout and off the caller's goroutine, at
// unregistration or client close.
type Plugin interface {
	Name() string
	Initialize(ctx context.Context, pc *PluginContext) error
	Shutdown(ctx context.Context) error
}

type registeredPlugin struct {
	plugin       Plugin
	interceptors []pipeline.Entry
}

// Manager tracks registered plugins and the interceptors they
// contributed, and orchestrates registration rollback and reverse-order
// shutdown.
type Manager struct {
	mu              sync.Mutex
	order           []string
	plugins         map[string]*registeredPlugin
	shutdownTimeout time.Duration
}

// NewManager returns an empty Manager. shutdownTimeout bounds how long
// Unregister and Shutdown wait for a plugin's Shutdown call before giving
// up; the plugin is removed from the Manager either way, since leaving an
// unresponsive plugin registered would wedge every future shutdown too.
func NewManager(shutdownTimeout time.Duration) *Manager {
	return &Manager{plugins: make(map[string]*registeredPlugin), shutdownTimeout: shutdownTimeout}
}

// Register runs p.Initialize and, only on success, adds p (and the
// interceptors it contributed) to the manager. A duplicate name is
// rejected without calling Initialize at all.
func (m *Manager) Register(ctx context.Context, p Plugin) error {
	name := p.Name()

	m.mu.Lock()
	if _, exists := m.plugins[name]; exists {
		m.mu.Unlock()
		return errors.NewInvalidRequestError("plugin already registered: " + name)
	}
	m.mu.Unlock()

	pc := &PluginContext{}
	if err := p.Initialize(ctx, pc); err != nil {
		return errors.NewInvalidRequestError("plugin initialize failed for " + name + ": " + err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[name]; exists {
		// Lost a race with a concurrent Register of the same name: the
		// interceptors this call collected are simply dropped.
		return errors.NewInvalidRequestError("plugin already registered: " + name)
	}
	m.plugins[name] = &registeredPlugin{plugin: p, interceptors: pc.snapshotInterceptors()}
	m.order = append(m.order, name)
	return nil
}

// Unregister shuts down and removes the named plugin.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	rp, ok := m.plugins[name]
	if ok {
		delete(m.plugins, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return errors.NewInvalidRequestError("no plugin registered under " + name)
	}
	return m.shutdownOne(ctx, rp.plugin)
}

func (m *Manager) shutdownOne(ctx context.Context, p Plugin) error {
	done := make(chan error, 1)
	go func() { done <- p.Shutdown(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(m.shutdownTimeout):
		return errors.NewTimeoutError("plugin shutdown: "+p.Name(), m.shutdownTimeout)
	}
}

// Interceptors returns every interceptor contributed by a currently
// registered plugin, in registration order.
func (m *Manager) Interceptors() []pipeline.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.Entry
	for _, name := range m.order {
		out = append(out, m.plugins[name].interceptors...)
	}
	return out
}

// Shutdown tears down every registered plugin in reverse registration
// order, collecting rather than stopping at the first failure, and
// leaves the Manager empty afterward.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	plugins := make(map[string]Plugin, len(m.plugins))
	for n, rp := range m.plugins {
		plugins[n] = rp.plugin
	}
	m.plugins = make(map[string]*registeredPlugin)
	m.order = nil
	m.mu.Unlock()

	var firstErr error
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.shutdownOne(ctx, plugins[names[i]]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
