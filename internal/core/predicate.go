package core

import (
	"path"
)

// DefaultBranchName is used when a pipeline does not name its default branch.
const DefaultBranchName = "main"

// DefaultBranchToken stands for the pipeline's default branch in branch patterns.
const DefaultBranchToken = "$default"

// Predicate gates a stage's eligibility for a run. A nil Predicate always passes.
type Predicate func(*Context) bool

// Always passes for every context.
func Always() Predicate {
	return func(*Context) bool { return true }
}

// OnDefaultBranch passes only when the run is on the default branch.
func OnDefaultBranch() Predicate {
	return func(c *Context) bool { return c.IsDefaultBranch() }
}

// OnBranches passes when the run's branch matches one of patterns. Patterns
// use path.Match syntax, so "release/*" matches "release/1.2"; the token
// $default matches the default branch.
func OnBranches(patterns ...string) Predicate {
	return func(c *Context) bool {
		for _, p := range patterns {
			if p == DefaultBranchToken {
				if c.IsDefaultBranch() {
					return true
				}
				continue
			}
			if ok, err := path.Match(p, c.Branch()); err == nil && ok {
				return true
			}
		}
		return false
	}
}

// OnTriggers passes when the run was started by one of types.
func OnTriggers(types ...TriggerType) Predicate {
	return func(c *Context) bool {
		for _, t := range types {
			if c.TriggerType() == t {
				return true
			}
		}
		return false
	}
}

// All passes when every non-nil predicate passes.
func All(preds ...Predicate) Predicate {
	return func(c *Context) bool {
		for _, p := range preds {
			if p != nil && !p(c) {
				return false
			}
		}
		return true
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(c *Context) bool { return p != nil && !p(c) }
}

func (p Predicate) eval(c *Context) bool {
	if p == nil {
		return true
	}
	return p(c)
}
