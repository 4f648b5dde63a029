package crdt

// LwwRegister holds a single value with last-writer-wins conflict
// resolution. A new value is accepted iff its OpId is greater than or
// equal to the currently stored one; ties keep the latest incoming write,
// which makes Set idempotent for a replayed op.
type LwwRegister[T any] struct {
	value T
	opID  OpId
	set   bool
}

// NewLwwRegister returns a register holding value, attributed to opID.
func NewLwwRegister[T any](value T, opID OpId) LwwRegister[T] {
	return LwwRegister[T]{value: value, opID: opID, set: true}
}

// Set updates the register to (value, opID) iff opID is not less than
// the currently stored op id. It reports whether the write was accepted.
func (r *LwwRegister[T]) Set(value T, opID OpId) bool {
	if r.set && opID.Less(r.opID) {
		return false
	}
	r.value = value
	r.opID = opID
	r.set = true
	return true
}

// Get returns the current value and whether the register has ever been
// set.
func (r LwwRegister[T]) Get() (T, bool) {
	return r.value, r.set
}

// OpID returns the op id attributed to the currently stored value.
func (r LwwRegister[T]) OpID() OpId {
	return r.opID
}

// Map is a mapping from keys to independently last-writer-wins values:
// each key's value converges to whichever concurrent Set carried the
// greatest OpId, with no interaction between keys.
type Map[K comparable, V any] struct {
	entries map[K]*LwwRegister[V]
}

// NewMap returns an empty Map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{entries: make(map[K]*LwwRegister[V])}
}

// Set applies a last-writer-wins update to the value at key.
func (m *Map[K, V]) Set(key K, value V, opID OpId) bool {
	if m.entries == nil {
		m.entries = make(map[K]*LwwRegister[V])
	}
	reg, ok := m.entries[key]
	if !ok {
		r := NewLwwRegister(value, opID)
		m.entries[key] = &r
		return true
	}
	return reg.Set(value, opID)
}

// Get returns the value at key and whether it is present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	var zero V
	reg, ok := m.entries[key]
	if !ok {
		return zero, false
	}
	v, ok := reg.Get()
	return v, ok
}

// Keys returns the set of keys currently present in the map, in
// unspecified order.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of keys present in the map.
func (m *Map[K, V]) Len() int {
	return len(m.entries)
}
