// Package hostprovider implements ordered host failover with freeze-on-
// failure, the low-level primitive httpclient.Client builds its retry
// classification on top of. Grounded on the call sites in the teacher's
// internal/kodo/form_upload.go (hostprovider.NewWithHosts, Provider,
// Freeze) — the package itself was not part of the retrieved pack and is
// rebuilt here from those call sites.
package hostprovider

import (
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// Class is the error class for host-provider exhaustion.
var Class = errs.Class("hostprovider")

// ErrExhausted is returned by Provider when every host is currently frozen.
var ErrExhausted = Class.New("no available host, all hosts are frozen")

// HostProvider hands out hosts from an ordered list, skipping any host
// currently frozen due to a prior failure.
type HostProvider interface {
	// Provider returns the next usable host in priority order.
	Provider() (string, error)
	// Freeze marks host unusable for dur, recording cause for diagnostics.
	Freeze(host string, cause error, dur time.Duration) error
	// Hosts returns the full ordered host list this provider was built from.
	Hosts() []string
}

type frozenEntry struct {
	until time.Time
	cause error
}

type orderedProvider struct {
	mu     sync.Mutex
	hosts  []string
	next   int
	frozen map[string]frozenEntry
}

// NewWithHosts builds a HostProvider that serves hosts from the given
// ordered list, round-robining past frozen entries.
func NewWithHosts(hosts []string) HostProvider {
	cp := make([]string, len(hosts))
	copy(cp, hosts)
	return &orderedProvider{hosts: cp, frozen: make(map[string]frozenEntry)}
}

func (p *orderedProvider) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(p.hosts))
	copy(cp, p.hosts)
	return cp
}

func (p *orderedProvider) Provider() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.hosts) == 0 {
		return "", ErrExhausted
	}

	now := time.Now()
	for i := 0; i < len(p.hosts); i++ {
		idx := (p.next + i) % len(p.hosts)
		host := p.hosts[idx]
		if entry, ok := p.frozen[host]; ok && now.Before(entry.until) {
			continue
		}
		p.next = idx + 1
		return host, nil
	}
	return "", ErrExhausted
}

func (p *orderedProvider) Freeze(host string, cause error, dur time.Duration) error {
	if dur <= 0 {
		dur = 10 * time.Minute
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen[host] = frozenEntry{until: time.Now().Add(dur), cause: cause}
	return nil
}
