// Package fake provides an in-memory netcfg.Backend with failure injection, used to verify that
// tunnels leave no residue on the host
package fake

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/yago-123/dapn/pkg/netcfg"
)

var ErrInjected = errors.New("injected failure")

type Op string

const (
	OpCreateLink Op = "create-link"
	OpDeleteLink Op = "delete-link"
	OpSetLinkUp  Op = "set-link-up"
	OpAddAddress Op = "add-address"
	OpAddRoute   Op = "add-route"
	OpAppendRule Op = "append-rule"
	OpDeleteRule Op = "delete-rule"
	OpFlushRules Op = "flush-rules"
)

// Link is the observable state of a fake interface
type Link struct {
	Up     bool
	Addrs  []netip.Prefix
	Routes []netip.Prefix
}

// State is a deep copy of the backend contents
type State struct {
	Links map[string]Link
	Rules []netcfg.Rule
}

type Backend struct {
	mu     sync.Mutex
	links  map[string]*Link
	rules  []netcfg.Rule
	calls  map[Op]int
	faults map[Op]int
	hook   func(op Op, name string)
}

var _ netcfg.Backend = (*Backend)(nil)

// New returns a backend with an uplink interface holding addr
func New(uplink string, addr netip.Prefix) *Backend {
	return &Backend{
		links: map[string]*Link{
			uplink: {Up: true, Addrs: []netip.Prefix{addr}},
		},
		calls:  make(map[Op]int),
		faults: make(map[Op]int),
	}
}

// FailOn makes the nth call (1 based, counted from now) of op return ErrInjected
func (b *Backend) FailOn(op Op, nth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = b.calls[op] + nth
}

// SetHook installs a function run before every operation, outside the backend lock
func (b *Backend) SetHook(hook func(op Op, name string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

// Calls returns how many times op has been invoked
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := State{
		Links: make(map[string]Link, len(b.links)),
		Rules: append([]netcfg.Rule(nil), b.rules...),
	}
	for name, l := range b.links {
		st.Links[name] = Link{
			Up:     l.Up,
			Addrs:  append([]netip.Prefix(nil), l.Addrs...),
			Routes: append([]netip.Prefix(nil), l.Routes...),
		}
	}
	return st
}

// Rules returns the rules owned by link, or every rule when link is empty
func (b *Backend) Rules(link string) []netcfg.Rule {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []netcfg.Rule
	for _, r := range b.rules {
		if link == "" || r.Link == link {
			out = append(out, r)
		}
	}
	return out
}

// LinkNames returns the names of every interface, sorted
func (b *Backend) LinkNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.links))
	for name := range b.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Backend) CreateLink(ctx context.Context, name string) error {
	return b.do(ctx, OpCreateLink, name, func() error {
		if _, ok := b.links[name]; ok {
			return fmt.Errorf("interface %s already exists", name)
		}
		b.links[name] = &Link{}
		return nil
	})
}

func (b *Backend) DeleteLink(ctx context.Context, name string) error {
	return b.do(ctx, OpDeleteLink, name, func() error {
		delete(b.links, name)
		return nil
	})
}

func (b *Backend) LinkExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.links[name]
	return ok, nil
}

func (b *Backend) SetLinkUp(ctx context.Context, name string) error {
	return b.do(ctx, OpSetLinkUp, name, func() error {
		l, ok := b.links[name]
		if !ok {
			return fmt.Errorf("interface %s not found", name)
		}
		l.Up = true
		return nil
	})
}

func (b *Backend) AddAddress(ctx context.Context, name string, addr netip.Prefix) error {
	return b.do(ctx, OpAddAddress, name, func() error {
		l, ok := b.links[name]
		if !ok {
			return fmt.Errorf("interface %s not found", name)
		}
		for _, a := range l.Addrs {
			if a == addr {
				return nil
			}
		}
		l.Addrs = append(l.Addrs, addr)
		return nil
	})
}

func (b *Backend) AssignedAddresses(_ context.Context) ([]netip.Addr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []netip.Addr
	for _, l := range b.links {
		for _, a := range l.Addrs {
			out = append(out, a.Addr())
		}
	}
	return out, nil
}

func (b *Backend) LinkPrefix(_ context.Context, name string) (netip.Prefix, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.links[name]
	if !ok || len(l.Addrs) == 0 {
		return netip.Prefix{}, fmt.Errorf("interface %s has no IPv4 address", name)
	}
	return l.Addrs[0], nil
}

func (b *Backend) AddRoute(ctx context.Context, name string, dst netip.Prefix) error {
	return b.do(ctx, OpAddRoute, name, func() error {
		l, ok := b.links[name]
		if !ok {
			return fmt.Errorf("interface %s not found", name)
		}
		for _, r := range l.Routes {
			if r == dst {
				return nil
			}
		}
		l.Routes = append(l.Routes, dst)
		return nil
	})
}

func (b *Backend) AppendRule(ctx context.Context, rule netcfg.Rule) error {
	return b.do(ctx, OpAppendRule, rule.Link, func() error {
		for _, r := range b.rules {
			if r == rule {
				return nil
			}
		}
		b.rules = append(b.rules, rule)
		return nil
	})
}

func (b *Backend) DeleteRule(ctx context.Context, rule netcfg.Rule) error {
	return b.do(ctx, OpDeleteRule, rule.Link, func() error {
		for i, r := range b.rules {
			if r == rule {
				b.rules = append(b.rules[:i], b.rules[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (b *Backend) FlushRules(ctx context.Context, name string) error {
	return b.do(ctx, OpFlushRules, name, func() error {
		kept := b.rules[:0]
		for _, r := range b.rules {
			if r.Link != name {
				kept = append(kept, r)
			}
		}
		b.rules = kept
		return nil
	})
}

func (b *Backend) do(ctx context.Context, op Op, name string, fn func() error) error {
	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		hook(op, name)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[op]++
	if nth, ok := b.faults[op]; ok && nth == b.calls[op] {
		delete(b.faults, op)
		return fmt.Errorf("%s %s: %w", op, name, ErrInjected)
	}

	return fn()
}
