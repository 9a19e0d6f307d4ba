// Package navigation models the browser location the order view runs under.
package navigation

import (
	"net/url"
	"sync"
)

// Navigator is the presentation layer's handle on the current location.
// Replace swaps the current entry without a reload; Assign leaves the
// application for an external page.
type Navigator interface {
	Current() *url.URL
	Replace(u *url.URL)
	Assign(target string)
}

// Recorder is a Navigator backed by a request URL. It records what the
// core asked for so a handler can turn it into a response.
type Recorder struct {
	mu       sync.Mutex
	current  *url.URL
	replaced bool
	assigned string
}

func NewRecorder(u *url.URL) *Recorder {
	c := *u
	return &Recorder{current: &c}
}

func (r *Recorder) Current() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.current
	return &c
}

func (r *Recorder) Replace(u *url.URL) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *u
	r.current = &c
	r.replaced = true
}

func (r *Recorder) Assign(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigned = target
}

// Replaced reports whether the location was rewritten.
func (r *Recorder) Replaced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaced
}

// Assigned returns the external target requested by Assign, if any.
func (r *Recorder) Assigned() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assigned
}
