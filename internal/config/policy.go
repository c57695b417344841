package config

import (
	"sync/atomic"

	"github.com/msageha/slawarden/internal/model"
)

// PolicySource hands out the policy in force. Readers take one snapshot per
// operation so a reload never changes the rules half-way through a fire.
type PolicySource interface {
	Policy() *model.Policy
}

// Policies is the hot-reloadable PolicySource the watcher swaps.
type Policies struct {
	cur atomic.Pointer[model.Policy]
}

func NewPolicies(p *model.Policy) *Policies {
	ps := &Policies{}
	ps.cur.Store(p)
	return ps
}

func (ps *Policies) Policy() *model.Policy {
	return ps.cur.Load()
}

func (ps *Policies) Swap(p *model.Policy) *model.Policy {
	return ps.cur.Swap(p)
}
