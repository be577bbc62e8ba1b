package clearcms

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNamingConflict is returned when a plugin name is already taken in a
// Registry.
var ErrNamingConflict = errors.New("clearcms: naming conflict")

// Namespace is the object shared by everything loaded for a plugin. Lua
// modules receive it as their first argument.
type Namespace struct {
	Name    string
	Path    string
	Config  Config
	Self    *Plugin
	Context *RenderContext
}

// Registry keeps track of the namespaces of loaded plugins, by name.
type Registry struct {
	locker     sync.RWMutex
	namespaces map[string]*Namespace // protected by locker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]*Namespace)}
}

// Register adds a namespace. It fails with ErrNamingConflict if the name is
// already registered.
func (r *Registry) Register(ns *Namespace) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	if _, ok := r.namespaces[ns.Name]; ok {
		return fmt.Errorf("%w: plugin %q is already loaded", ErrNamingConflict, ns.Name)
	}
	r.namespaces[ns.Name] = ns
	return nil
}

// Unregister removes a namespace. It's a no-op if the name isn't registered.
func (r *Registry) Unregister(name string) {
	r.locker.Lock()
	delete(r.namespaces, name)
	r.locker.Unlock()
}

// Lookup returns the namespace registered under name.
func (r *Registry) Lookup(name string) (*Namespace, bool) {
	r.locker.RLock()
	defer r.locker.RUnlock()
	ns, ok := r.namespaces[name]
	return ns, ok
}

// Names returns the sorted list of registered names.
func (r *Registry) Names() []string {
	r.locker.RLock()
	names := make([]string, 0, len(r.namespaces))
	for name := range r.namespaces {
		names = append(names, name)
	}
	r.locker.RUnlock()

	sort.Strings(names)
	return names
}
