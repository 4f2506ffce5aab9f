// Package mobilebridge models the inbound/outbound contract between
// the engine and a mobile host shell (Android/iOS), per spec.md §6.
//
// original_source/mobile/src-tauri/src/platform/android.rs keeps this
// context behind get_context/get_mut_context, which take the global
// RwLock and then `mem::transmute` the guarded reference into one with
// an unbounded lifetime so it can be returned alongside (rather than
// under) the lock — the lock guard is returned too, but nothing stops
// a caller from dropping it while still holding the transmuted
// reference, which is exactly the kind of use-after-free `unsafe`
// exists to prevent. spec.md's Design Notes call this out by name as
// not to be carried into the rewrite.
//
// Host keeps the single-global-handle shape (one JVM/context set once
// at initialize) but every accessor holds the mutex only for the
// duration of the call that touches the fields, and never hands back a
// reference that outlives it.
package mobilebridge

import (
	"sync"

	"trojan-tun/internal/errs"
)

// Host is the outbound interface the engine calls into the mobile
// shell through (spec.md §6): start/stop the platform VPN service,
// check and request the VPN permission, and persist small bits of
// state the shell's storage, not the engine's, owns.
type Host interface {
	StartVPN(fd int, mtu int) error
	StopVPN() error
	CheckSelfPermission() bool
	RequestPermission()
	ShouldShowRequestPermissionRationale() bool
	UpdateNotification(text string)
	SaveData(key, value string)
	LoadData(key string) (string, bool)
}

// Context holds the single platform handle the bridge needs for its
// lifetime: the Host callback implementation and the adopted TUN file
// descriptor's bookkeeping. There is exactly one of these per process,
// matching the original's single CONTEXT global.
type Context struct {
	mu      sync.Mutex
	host    Host
	running bool
	fd      int
}

var (
	globalMu sync.Mutex
	global   *Context
)

// Initialize installs the process-wide Context, the counterpart of the
// host's init_runtime call. Calling it twice replaces the previous
// handle.
func Initialize(host Host) *Context {
	c := &Context{host: host}
	globalMu.Lock()
	global = c
	globalMu.Unlock()
	return c
}

// Shutdown releases the process-wide Context.
func Shutdown() {
	globalMu.Lock()
	global = nil
	globalMu.Unlock()
}

// current returns the active Context or a MissingContext error,
// without ever handing back a reference that outlives the caller's
// own stack frame doing anything unsafe with the lock — callers use it
// and return, they don't stash it.
func current() (*Context, error) {
	globalMu.Lock()
	c := global
	globalMu.Unlock()
	if c == nil {
		return nil, errs.New(errs.MissingContext, "mobilebridge.current", nil)
	}
	return c, nil
}

// OnVPNStart records the adopted fd and marks the bridge running. Each
// field access takes the Context's own mutex for exactly as long as it
// takes to read or write the field, never longer.
func OnVPNStart(fd, mtu int) error {
	c, err := current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.fd = fd
	c.running = true
	host := c.host
	c.mu.Unlock()

	return host.StartVPN(fd, mtu)
}

func OnVPNStop() error {
	c, err := current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.running = false
	host := c.host
	c.mu.Unlock()

	return host.StopVPN()
}

func OnPermissionResult(granted bool, notify func(bool)) error {
	_, err := current()
	if err != nil {
		return err
	}
	notify(granted)
	return nil
}

// IsRunning reports the bridge's current running flag.
func IsRunning() (bool, error) {
	c, err := current()
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running, nil
}
