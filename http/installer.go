package http

import (
	"net/http"
	"sync"
)

// Installer reference-counts a process-wide substitution of
// http.DefaultTransport. Third-party streaming clients that use the ambient
// default client cannot be handed a transport explicitly; installing the
// payment transport globally makes their requests pay transparently.
//
// The substitution is active only while at least one acquired caller is in
// flight: the 0→1 transition installs, and the last release restores the
// previously captured transport. The restore only happens if the currently
// installed transport is still the one this installer set, so a substitution
// applied by someone else in the interim is never clobbered.
type Installer struct {
	mu        sync.Mutex
	count     int
	installed http.RoundTripper
	original  http.RoundTripper
	wrap      func(base http.RoundTripper) http.RoundTripper
}

// NewInstaller creates an installer that substitutes wrap(original) for the
// default transport while acquired. wrap must return a pointer-typed
// RoundTripper (the restore check compares it against the live default).
func NewInstaller(wrap func(base http.RoundTripper) http.RoundTripper) *Installer {
	return &Installer{wrap: wrap}
}

// Acquire activates the substitution (installing on the 0→1 transition) and
// returns an idempotent release. Each concurrent caller holds its own
// release; the original transport is restored only when the last one runs.
func (i *Installer) Acquire() (release func()) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.count++
	if i.count == 1 {
		i.original = http.DefaultTransport
		i.installed = i.wrap(i.original)
		http.DefaultTransport = i.installed
	}

	var once sync.Once
	return func() {
		once.Do(i.release)
	}
}

func (i *Installer) release() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.count == 0 {
		return
	}
	i.count--
	if i.count > 0 {
		return
	}

	if http.DefaultTransport == i.installed {
		http.DefaultTransport = i.original
	}
	i.installed = nil
	i.original = nil
}

// Active reports whether the substitution is currently held by any caller.
func (i *Installer) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.count > 0
}
