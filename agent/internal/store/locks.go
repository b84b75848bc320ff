package store

import (
	"sort"
	"sync"
)

// groupLocks hands out one mutex per group.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newGroupLocks() *groupLocks {
	return &groupLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the group's mutex and returns its unlock function.
func (g *groupLocks) lock(group string) func() {
	g.mu.Lock()
	l, ok := g.locks[group]
	if !ok {
		l = &sync.Mutex{}
		g.locks[group] = l
	}
	g.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// lockAll acquires every mutex handed out so far, in group name order so
// concurrent callers cannot deadlock. Groups first seen while lockAll holds
// the others are not covered.
func (g *groupLocks) lockAll() func() {
	g.mu.Lock()
	names := make([]string, 0, len(g.locks))
	for name := range g.locks {
		names = append(names, name)
	}
	sort.Strings(names)
	held := make([]*sync.Mutex, len(names))
	for i, name := range names {
		held[i] = g.locks[name]
	}
	g.mu.Unlock()

	for _, l := range held {
		l.Lock()
	}
	return func() {
		for _, l := range held {
			l.Unlock()
		}
	}
}
