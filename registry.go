// SPDX-License-Identifier: Apache-2.0
package kerlberos

import "strings"

type SecContextFactory func() SecContext

var mechs map[string]SecContextFactory

func init() {
	mechs = make(map[string]SecContextFactory)
}

// Register should be called by mechanism implementations to enable
// a mechanism to be used by clients
func Register(name string, f SecContextFactory) {
	name = strings.ToLower(name)
	_, ok := mechs[name]

	// can't register two mechs with the same name
	if ok {
		panic("Cannot have two mechs named " + name)
	}

	mechs[name] = f
}

// IsRegistered can be used to find out whether a named
// mechanism is registered or not
func IsRegistered(name string) bool {
	name = strings.ToLower(name)
	_, ok := mechs[name]

	return ok
}

// NewSecContext returns a fresh security context from the mechanism
// registered under name, or nil when no such mechanism is registered.
func NewSecContext(name string) SecContext {
	name = strings.ToLower(name)
	f, ok := mechs[name]

	if ok {
		return f()
	}

	return nil
}

// Mechs returns the list of registered mechanism names
func Mechs() (l []string) {
	l = make([]string, 0, len(mechs))

	for name := range mechs {
		l = append(l, name)
	}

	return
}
