package messagelog

import (
	"strings"
	"sync"
)

type LogFactory func(dsn string) (Log, error)

var logFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]LogFactory
}{
	factories: map[string]LogFactory{},
}

// RegisterLogFactory makes BuildLogFromDSN route scheme to factory. A
// registered factory takes precedence over the built-in schemes.
func RegisterLogFactory(scheme string, factory LogFactory) {
	scheme = normalizeLogScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	logFactoryRegistry.mu.Lock()
	defer logFactoryRegistry.mu.Unlock()
	logFactoryRegistry.factories[scheme] = factory
}

func lookupLogFactory(scheme string) (LogFactory, bool) {
	scheme = normalizeLogScheme(scheme)
	logFactoryRegistry.mu.RLock()
	defer logFactoryRegistry.mu.RUnlock()
	factory, ok := logFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeLogScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
