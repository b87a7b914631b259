package fieldsync

import (
	"strings"
	"sync"
)

type QueueStoreFactory func(dsn string, capacity int) (QueueStore, error)
type StateStoreFactory func(dsn string) (StateStore, error)

var storeFactoryRegistry = struct {
	mu             sync.RWMutex
	queueFactories map[string]QueueStoreFactory
	stateFactories map[string]StateStoreFactory
}{
	queueFactories: map[string]QueueStoreFactory{},
	stateFactories: map[string]StateStoreFactory{},
}

// RegisterQueueStoreFactory lets embedders plug additional storage
// schemes into the DSN builders.
func RegisterQueueStoreFactory(scheme string, factory QueueStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.queueFactories[scheme] = factory
}

func RegisterStateStoreFactory(scheme string, factory StateStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.stateFactories[scheme] = factory
}

func lookupQueueStoreFactory(scheme string) (QueueStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func lookupStateStoreFactory(scheme string) (StateStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.stateFactories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
