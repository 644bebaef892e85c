package milter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norihiro-kitaoka/milter-manager/connspec"
	"golang.org/x/sync/errgroup"
)

// MaxServerProtocolVersion is the maximum milter protocol version this
// Listener implements.
const MaxServerProtocolVersion uint32 = 6

// ErrListenerClosed is returned by [Listener.Serve] after [Listener.Close]
// or [Listener.Shutdown].
var ErrListenerClosed = errors.New("milter: listener closed")

// defaultContextTimeout is the idle-connection timeout applied when
// WithContextTimeout is not used; it matches the sendmail/libmilter
// default of 7210 seconds.
const defaultContextTimeout = 7210 * time.Second

// ListenerPolicy is the value-type capability set that governs how a
// Listener binds and tears down unix domain sockets. NewListener starts
// from mode 0660, no group change, removal of the socket file both before
// binding and after closing, and defaultContextTimeout; ListenerOptions
// override these.
type ListenerPolicy struct {
	// UnixSocketMode is the filesystem mode applied to a newly bound unix
	// socket. 0 means "leave it at whatever umask produced".
	UnixSocketMode os.FileMode
	// UnixSocketGroup is an optional group name or numeric gid applied to
	// a newly bound unix socket. Empty means "do not chown".
	UnixSocketGroup string
	// RemoveUnixSocketOnCreate removes a pre-existing file at the unix
	// socket path before binding (stale socket from a previous crash).
	RemoveUnixSocketOnCreate bool
	// RemoveUnixSocketOnClose removes the unix socket file once the
	// Listener stops serving it.
	RemoveUnixSocketOnClose bool
	// ListenBacklog is stored as given but not applied: ListenSpec binds
	// with the system's default listen(2) backlog.
	ListenBacklog int
	// ContextTimeout bounds how long a Context may sit idle waiting for
	// the next packet from the MTA. 0 uses defaultContextTimeout.
	ContextTimeout time.Duration
}

// ListenerOption configures a [ListenerPolicy] via [NewListener].
type ListenerOption func(*ListenerPolicy)

// WithUnixSocketMode sets the filesystem mode of a newly bound unix socket.
func WithUnixSocketMode(mode os.FileMode) ListenerOption {
	return func(p *ListenerPolicy) { p.UnixSocketMode = mode }
}

// WithUnixSocketGroup sets the group (name or numeric gid) of a newly
// bound unix socket.
func WithUnixSocketGroup(group string) ListenerOption {
	return func(p *ListenerPolicy) { p.UnixSocketGroup = group }
}

// WithRemoveUnixSocketOnCreate removes a stale socket file at the bind
// path before listening.
func WithRemoveUnixSocketOnCreate(remove bool) ListenerOption {
	return func(p *ListenerPolicy) { p.RemoveUnixSocketOnCreate = remove }
}

// WithRemoveUnixSocketOnClose removes the socket file once the Listener
// stops serving it.
func WithRemoveUnixSocketOnClose(remove bool) ListenerOption {
	return func(p *ListenerPolicy) { p.RemoveUnixSocketOnClose = remove }
}

// WithListenBacklog sets ListenerPolicy.ListenBacklog. The value is not
// applied to the socket; see ListenBacklog.
func WithListenBacklog(n int) ListenerOption {
	return func(p *ListenerPolicy) { p.ListenBacklog = n }
}

// WithContextTimeout bounds how long a Context may idle waiting for the
// next packet before the Agent closes it.
func WithContextTimeout(d time.Duration) ListenerOption {
	return func(p *ListenerPolicy) { p.ContextTimeout = d }
}

// Listener accepts milter connections from an MTA and dispatches their
// events to a Handler. Listener owns the accept loop and the lifecycle of
// every socket it binds via ListenSpec; Serve also accepts an
// already-constructed net.Listener for embedders that manage their own
// socket lifecycle.
type Listener struct {
	config      config
	policy      ListenerPolicy
	unixPaths   map[string]bool
	listeners   map[net.Listener]struct{}
	activeConns map[*Agent]struct{}
	mu          sync.Mutex
	inShutdown  atomic.Bool
	handlerSeq  atomic.Uint64
	group       *errgroup.Group
	groupCtx    context.Context
}

// NewListener creates a Listener. You must configure a Handler with
// [WithHandler] or [WithDynamicHandler].
//
// This function panics if given invalid options.
func NewListener(opts []Option, lopts ...ListenerOption) *Listener {
	cfg := config{
		maxVersion:   MaxServerProtocolVersion,
		writeTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if cfg.newHandler == nil {
		panic("milter: you need to use WithHandler or WithDynamicHandler in NewListener")
	}
	if cfg.maxVersion > MaxServerProtocolVersion || cfg.maxVersion < 2 {
		panic("milter: this library cannot handle this milter version")
	}
	if cfg.netDialer != nil {
		panic("milter: WithDialer is a Dialer only option")
	}
	if cfg.offeredMaxData != 0 {
		panic("milter: WithOfferedMaxData is a Dialer only option")
	}
	if cfg.macrosByStage != nil {
		cfg.actions = cfg.actions | OptSetMacros
	}

	policy := ListenerPolicy{
		UnixSocketMode:           0660,
		RemoveUnixSocketOnCreate: true,
		RemoveUnixSocketOnClose:  true,
		ContextTimeout:           defaultContextTimeout,
	}
	for _, o := range lopts {
		if o != nil {
			o(&policy)
		}
	}
	if policy.ContextTimeout <= 0 {
		policy.ContextTimeout = defaultContextTimeout
	}
	if cfg.readTimeout == 0 {
		cfg.readTimeout = policy.ContextTimeout
	}

	g, ctx := errgroup.WithContext(context.Background())
	return &Listener{config: cfg, policy: policy, group: g, groupCtx: ctx, unixPaths: make(map[string]bool)}
}

func (l *Listener) nextHandlerID() uint64 {
	return l.handlerSeq.Add(1)
}

func (l *Listener) shuttingDown() bool {
	return l.inShutdown.Load()
}

// HandlerCount returns how many Handler instances this Listener has
// created in total, for logging/metrics purposes.
func (l *Listener) HandlerCount() uint64 {
	return l.handlerSeq.Load()
}

// ListenSpec parses spec with connspec.Parse, binds a socket honoring the
// Listener's ListenerPolicy (unix mode/group/remove-on-create), and spawns
// Serve on it in the Listener's errgroup. It returns once the socket is
// bound; Serve runs asynchronously.
func (l *Listener) ListenSpec(spec string) error {
	s, err := connspec.Parse(spec)
	if err != nil {
		return err
	}
	if s.Family == connspec.FamilyUnix && l.policy.RemoveUnixSocketOnCreate {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("milter: remove stale unix socket: %w", err)
		}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(l.groupCtx, s.Network(), s.Address())
	if err != nil {
		return fmt.Errorf("milter: listen %s: %w", spec, err)
	}
	if s.Family == connspec.FamilyUnix {
		if l.policy.UnixSocketMode != 0 {
			if err := os.Chmod(s.Path, l.policy.UnixSocketMode); err != nil {
				_ = ln.Close()
				return fmt.Errorf("milter: chmod unix socket: %w", err)
			}
		}
		if l.policy.UnixSocketGroup != "" {
			if err := chownGroup(s.Path, l.policy.UnixSocketGroup); err != nil {
				_ = ln.Close()
				return fmt.Errorf("milter: chown unix socket: %w", err)
			}
		}
		l.mu.Lock()
		l.unixPaths[s.Path] = true
		l.mu.Unlock()
	}
	l.group.Go(func() error {
		err := l.Serve(ln)
		if errors.Is(err, ErrListenerClosed) {
			return nil
		}
		return err
	})
	return nil
}

func chownGroup(path, group string) error {
	gid, err := strconv.Atoi(group)
	if err != nil {
		g, lookupErr := user.LookupGroup(group)
		if lookupErr != nil {
			return lookupErr
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return err
		}
	}
	return os.Chown(path, -1, gid)
}

// Serve accepts connections on ln until it is closed or the Listener is
// shutdown, dispatching each to an Agent running in its own goroutine
// inside the Listener's errgroup. It returns ErrListenerClosed once the
// Listener shuts down.
func (l *Listener) Serve(ln net.Listener) error {
	if !l.trackListener(ln, true) {
		return ErrListenerClosed
	}
	defer l.trackListener(ln, false)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.shuttingDown() {
				return ErrListenerClosed
			}
			return err
		}
		agent := NewAgent(conn, l.config.readTimeout, l.config.writeTimeout)
		if !l.trackAgent(agent, true) {
			_ = conn.Close()
			continue
		}
		l.group.Go(func() error {
			defer l.trackAgent(agent, false)
			agent.Run(l, l.config.newHandler)
			return nil
		})
	}
}

// Close closes every listener and active connection immediately, then
// waits for all spawned goroutines to finish.
func (l *Listener) Close() error {
	l.inShutdown.Store(true)
	l.mu.Lock()
	err := l.closeListenersLocked()
	l.closeActiveAgentsLocked()
	l.mu.Unlock()
	waitErr := l.group.Wait()
	l.removeUnixSockets()
	if err == nil {
		err = waitErr
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight Agents
// to finish on their own, or until ctx is done, at which point remaining
// connections are closed forcefully.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.inShutdown.Store(true)
	l.mu.Lock()
	lnErr := l.closeListenersLocked()
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- l.group.Wait() }()

	select {
	case err := <-done:
		l.removeUnixSockets()
		if lnErr == nil {
			lnErr = err
		}
		return lnErr
	case <-ctx.Done():
		l.mu.Lock()
		l.closeActiveAgentsLocked()
		l.mu.Unlock()
		<-done
		l.removeUnixSockets()
		return ctx.Err()
	}
}

func (l *Listener) removeUnixSockets() {
	if !l.policy.RemoveUnixSocketOnClose {
		return
	}
	l.mu.Lock()
	paths := l.unixPaths
	l.unixPaths = nil
	l.mu.Unlock()
	for path := range paths {
		_ = os.Remove(path)
	}
}

func (l *Listener) closeListenersLocked() error {
	var errs []error
	for ln := range l.listeners {
		errs = append(errs, ln.Close())
	}
	l.listeners = nil
	return errors.Join(errs...)
}

func (l *Listener) closeActiveAgentsLocked() {
	for a := range l.activeConns {
		_ = a.Close()
	}
	l.activeConns = nil
}

func (l *Listener) trackListener(ln net.Listener, add bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listeners == nil {
		l.listeners = make(map[net.Listener]struct{})
	}
	if add {
		if l.shuttingDown() {
			return false
		}
		l.listeners[ln] = struct{}{}
	} else {
		delete(l.listeners, ln)
	}
	return true
}

func (l *Listener) trackAgent(a *Agent, add bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeConns == nil {
		l.activeConns = make(map[*Agent]struct{})
	}
	if add {
		if l.shuttingDown() {
			return false
		}
		l.activeConns[a] = struct{}{}
	} else {
		delete(l.activeConns, a)
	}
	return true
}
