package fieldsync

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildQueueStoreFromDSN(dsn string, capacity int) (QueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupQueueStoreFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueueStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryQueueStore(), nil
	case "bolt", "boltdb", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltStore(path)
	case "postgres", "postgresql":
		return NewPostgresQueueStore(dsn, capacity)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: queue store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue store scheme: %s", scheme)
	}
}

func BuildStateStoreFromDSN(dsn string) (StateStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStateStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStateStore(), nil
	case "bolt", "boltdb", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltStore(path)
	case "postgres", "postgresql":
		return NewPostgresStateStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state store scheme: %s", scheme)
	}
}

// BuildSharedBoltStore opens a single bolt store for a DSN that serves
// both the queue and state roles. bbolt takes an exclusive file lock,
// so the two roles must share one open handle.
func BuildSharedBoltStore(dsn string) (*BoltStore, error) {
	dsn = strings.TrimSpace(dsn)
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "bolt", "boltdb", "bbolt":
	default:
		return nil, fmt.Errorf("%w: not a bolt DSN: %s", ErrInvalidInput, dsn)
	}
	path, err := dsnPath(parsed, dsn)
	if err != nil {
		return nil, err
	}
	return NewBoltStore(path)
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		return host + parsed.Path, nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
