package graft

import (
	"errors"
	"fmt"
)

// Use mounts a child application without an extra path prefix: the child's
// routes keep their paths (including the child's own prefix) and its
// definitions merge into this application per their scopes.
func (a *App) Use(child *App) *App {
	return a.Mount("", child)
}

// Mount merges a child application into this one under a path prefix.
//
// The merge is checksum-deduplicated: mounting the same (name, seed,
// definition) twice folds hooks, models, error codes, macros, bindings, and
// state only once. Routes are exempt from that dedup in one direction: a repeated mount
// under a new prefix still re-keys the child's routes there, while an exact
// (method, path) collision from the same child is skipped silently. A
// collision with a route of different origin is a registration error.
//
// Scopes govern hook folding: global hooks keep propagating through further
// mounts, scoped hooks demote to local copies covering the child's routes
// and this application's own, local hooks keep applying to the child's
// routes only.
func (a *App) Mount(prefix string, child *App) *App {
	if a.rejectFrozen("Mount") {
		return a
	}
	if child == nil {
		a.recordErr(fmt.Errorf("mount: %w", ErrNilChildApp))
		return a
	}
	if child == a {
		a.recordErr(fmt.Errorf("mount: application %q mounted into itself", a.name))
		return a
	}

	if child.err != nil {
		a.recordErr(fmt.Errorf("mount %q: child registration errors: %w", child.name, child.err))
	}

	mountPrefix := ""
	if prefix != "" && prefix != "/" {
		mountPrefix = normalizePath(prefix, false)
	}

	checksum := child.Checksum()
	applied := !a.alreadyMounted(child.name, child.seed, checksum)

	if applied {
		a.mergeNamespaces(child)
		a.hooks.foldInto(&child.hooks, a, checksum)
		a.logDebug(logMsgMountApplied,
			logAttrApp, child.name, logAttrPrefix, mountPrefix, logAttrChecksum, checksum)
	} else {
		a.logDebug(logMsgMountSkipped,
			logAttrApp, child.name, logAttrPrefix, mountPrefix, logAttrChecksum, checksum)
	}

	// One store for the whole tree, also for deduplicated children: their
	// routes serve through this application's store, and identical siblings
	// must keep identical checksums afterwards.
	child.store = a.store

	a.foldRoutes(child, mountPrefix, checksum)

	a.deps = append(a.deps, Dependency{
		Name:     child.name,
		Seed:     child.seed,
		Prefix:   mountPrefix,
		Checksum: checksum,
		Applied:  applied,
	})

	a.dirty()
	child.dirty()

	return a
}

// Group declares routes under a shared prefix through an inline child
// application: configure registers on a fresh application which is then
// mounted at the prefix. Hooks registered inside default to local scope, so
// they stay confined to the group's routes.
func (a *App) Group(prefix string, configure func(group *App)) *App {
	if a.rejectFrozen("Group") {
		return a
	}
	if configure == nil {
		a.recordErr(errors.New("group: nil configure function supplied"))
		return a
	}

	group, err := New(WithName(a.name + ".group" + normalizePath(prefix, false)))
	if err != nil {
		a.recordErr(fmt.Errorf("group %q: %w", prefix, err))
		return a
	}
	group.strictPath = a.strictPath

	configure(group)

	return a.Mount(prefix, group)
}

// alreadyMounted reports whether an identical application was already merged
// in, keyed by (name, seed, checksum).
func (a *App) alreadyMounted(name, seed, checksum string) bool {
	for _, dep := range a.deps {
		if dep.Applied && dep.Name == name && dep.Seed == seed && dep.Checksum == checksum {
			return true
		}
	}

	return false
}

// mergeNamespaces unions the child's models, error codes, macros, bindings,
// and state into this application. Existing entries win, so the mounting side
// can override what a plugin provides; the child's own routes keep resolving
// innermost-first along their chain regardless.
func (a *App) mergeNamespaces(child *App) {
	for name, schema := range child.models {
		if _, exists := a.models[name]; !exists {
			a.models[name] = schema
		}
	}

	for code, status := range child.statuses {
		if _, exists := a.statuses[code]; !exists {
			a.statuses[code] = status
		}
	}

	for name, fn := range child.macros {
		if _, exists := a.macros[name]; !exists {
			a.macros[name] = fn
		}
	}

	for _, b := range child.bindings {
		if !a.hasBinding(b.name) {
			a.bindings = append(a.bindings, b)
		}
	}

	for _, key := range child.store.Keys() {
		if value, ok := child.store.Get(key); ok {
			a.store.SetIfAbsent(key, value)
		}
	}
}

// foldRoutes re-keys the child's routes under the mount prefix and adopts
// them. Route folding runs even for deduplicated mounts so the same plugin
// can serve at several prefixes.
func (a *App) foldRoutes(child *App, mountPrefix, checksum string) {
	for _, r := range child.routes {
		path := normalizePath(joinPaths(mountPrefix, r.path), a.strictPath)
		key := routeKey{method: r.method, path: path}

		if existing, exists := a.byKey[key]; exists {
			if existing.checksum == checksum {
				continue
			}

			a.recordErr(fmt.Errorf("mount %q: route %s %s: %w",
				child.name, r.method, path, ErrDuplicateRoute))
			continue
		}

		folded := r.clone(path, a, checksum)
		a.routes = append(a.routes, folded)
		a.byKey[key] = folded
	}
}
