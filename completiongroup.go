package pgcorex

import "sync"

// CompletionGroup aggregates the outcomes of a dynamically growing set of
// asynchronous operations into a single success or failure signal.  Members
// can be added at any point before the group is closed, including from
// within the completion callback of another member of the same group.
//
// The aggregate success callback fires once, only after Close and only once
// every member has succeeded.  The aggregate failure callback fires once,
// immediately upon the first member failure, even before Close and even
// while other members are still outstanding.  Whichever fires first wins,
// later member outcomes are ignored.
type CompletionGroup struct {
	lock      sync.Mutex
	onSuccess func()
	onFailure func(error)
	pending   int
	closed    bool
	resolved  bool
}

func NewCompletionGroup(onSuccess func(), onFailure func(error)) *CompletionGroup {
	return &CompletionGroup{
		onSuccess: onSuccess,
		onFailure: onFailure,
	}
}

type groupMember struct {
	parent *CompletionGroup
	done   bool
}

// Add registers a new pending member with the group and returns its
// completion callback.  Invoking the callback with a nil error marks the
// member as succeeded, a non-nil error fails the whole group.  Invoking it
// more than once has no further effect.
func (g *CompletionGroup) Add() func(error) {
	g.lock.Lock()
	g.pending++
	g.lock.Unlock()

	member := &groupMember{parent: g}
	return member.complete
}

func (m *groupMember) complete(err error) {
	g := m.parent

	g.lock.Lock()
	if m.done {
		// This is technically an error condition, we handle it secretly by
		// just ignoring any later completion invocations.
		g.lock.Unlock()
		return
	}
	m.done = true
	g.pending--

	if err != nil {
		if g.resolved {
			g.lock.Unlock()
			return
		}
		g.resolved = true
		onFailure := g.onFailure
		g.lock.Unlock()

		onFailure(err)
		return
	}

	if g.resolved || !g.closed || g.pending > 0 {
		g.lock.Unlock()
		return
	}
	g.resolved = true
	onSuccess := g.onSuccess
	g.lock.Unlock()

	onSuccess()
}

// Close declares that no further members will be added.  If every registered
// member has already succeeded, the aggregate success callback fires
// synchronously from this call.
func (g *CompletionGroup) Close() {
	g.lock.Lock()
	g.closed = true
	if g.resolved || g.pending > 0 {
		g.lock.Unlock()
		return
	}
	g.resolved = true
	onSuccess := g.onSuccess
	g.lock.Unlock()

	onSuccess()
}

// Fail resolves the group to failure without going through a member,
// carrying err as the aggregate failure cause.  It has no effect once the
// group has already resolved.
func (g *CompletionGroup) Fail(err error) {
	g.lock.Lock()
	if g.resolved {
		g.lock.Unlock()
		return
	}
	g.resolved = true
	onFailure := g.onFailure
	g.lock.Unlock()

	onFailure(err)
}
