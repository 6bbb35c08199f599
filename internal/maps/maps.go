package maps

import "fmt"

// Kind selects the concurrent map implementation backing an index.
type Kind string

const (
	KindXSync   Kind = "xsync"
	KindCornelk Kind = "cornelk"
	KindSync    Kind = "sync"
)

// DefaultKind is used when no implementation is configured.
const DefaultKind = KindXSync

// Integer is a constraint that permits any integer type.
// Task handles are uintptr, scheduler ids are uint32.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is the integer-keyed map used for identity lookups.
// The tracker reads and writes it from the sampler goroutine under the
// Monitor's write lock.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	Clear()
}

// ParseKind validates a configured implementation name. Empty selects DefaultKind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return DefaultKind, nil
	case KindXSync, KindCornelk, KindSync:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown map implementation %q (want xsync, cornelk or sync)", s)
	}
}

// NewConcurrentMap returns a map of the requested kind, falling back to
// DefaultKind for unknown values.
func NewConcurrentMap[K Integer, V any](kind Kind) ConcurrentMap[K, V] {
	switch kind {
	case KindCornelk:
		return NewCornelkMap[K, V]()
	case KindSync:
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
