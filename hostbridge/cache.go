package hostbridge

import "sync"

// CacheLineSize is the cacheline width spec.md §4.H fixes at 64 bytes
// (matches wire.CacheLineSize; duplicated to avoid a dependency from this
// package back onto the wire codec).
const CacheLineSize = 64

// LineState is the MESI-ish state of one cacheline (spec.md §4.H).
type LineState int

// LineState values.
const (
	LineInvalid LineState = iota
	LineShared
	LineExclusive
	LineModified
)

// String names a LineState for logging.
func (s LineState) String() string {
	switch s {
	case LineInvalid:
		return "I"
	case LineShared:
		return "S"
	case LineExclusive:
		return "E"
	case LineModified:
		return "M"
	default:
		return "?"
	}
}

// cacheLine is one way of one set.
type cacheLine struct {
	valid bool
	tag   uint64
	state LineState
	data  [CacheLineSize]byte
	age   uint64
}

func lineBase(addr uint64) uint64 { return addr &^ (CacheLineSize - 1) }

// Cache is the N-way, S-set inclusive cache of spec.md §4.H: 64-byte lines,
// MESI-ish {I,S,E,M} states, LRU replacement. Per-line serialisation is
// enforced by Acquire/Release, the Go shape of the source's per-line futex.
type Cache struct {
	mu       sync.Mutex
	sets     [][]cacheLine
	numAssoc int
	numSet   int
	clock    uint64

	lineMu sync.Mutex
	tokens map[uint64]chan struct{}
}

// NewCache constructs an empty cache with the given associativity and set
// count.
func NewCache(numAssoc, numSet int) *Cache {
	if numAssoc < 1 {
		numAssoc = 1
	}
	if numSet < 1 {
		numSet = 1
	}
	sets := make([][]cacheLine, numSet)
	for i := range sets {
		sets[i] = make([]cacheLine, numAssoc)
	}
	return &Cache{
		sets:     sets,
		numAssoc: numAssoc,
		numSet:   numSet,
		tokens:   make(map[uint64]chan struct{}),
	}
}

// Acquire blocks until the per-line token for addr's cacheline is free, then
// takes it. Release must be called exactly once per Acquire.
func (c *Cache) Acquire(addr uint64) {
	lb := lineBase(addr)
	c.lineMu.Lock()
	ch, ok := c.tokens[lb]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		c.tokens[lb] = ch
	}
	c.lineMu.Unlock()
	<-ch
}

// Release frees the per-line token addr's cacheline holds.
func (c *Cache) Release(addr uint64) {
	lb := lineBase(addr)
	c.lineMu.Lock()
	ch := c.tokens[lb]
	c.lineMu.Unlock()
	if ch != nil {
		ch <- struct{}{}
	}
}

func (c *Cache) setIndex(lb uint64) int {
	return int((lb / CacheLineSize) % uint64(c.numSet))
}

// lookup returns the line holding addr's cacheline, if resident.
func (c *Cache) lookup(addr uint64) (*cacheLine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lb := lineBase(addr)
	set := c.sets[c.setIndex(lb)]
	for i := range set {
		if set[i].valid && set[i].tag == lb {
			return &set[i], true
		}
	}
	return nil, false
}

// allocate picks a slot for addr's cacheline, evicting the LRU way if the
// set is full. evicted is non-nil (and a copy of the pre-eviction line) when
// a modified line was displaced and needs a write-back.
func (c *Cache) allocate(addr uint64) (slot *cacheLine, evicted *cacheLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lb := lineBase(addr)
	set := c.sets[c.setIndex(lb)]
	for i := range set {
		if !set[i].valid {
			return &set[i], nil
		}
	}
	victim := 0
	for i := 1; i < len(set); i++ {
		if set[i].age < set[victim].age {
			victim = i
		}
	}
	if set[victim].state == LineModified {
		copyLine := set[victim]
		evicted = &copyLine
	}
	return &set[victim], evicted
}

// touch installs addr's tag/state/data into slot and bumps its LRU age.
func (c *Cache) touch(slot *cacheLine, tag uint64, state LineState, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot.valid = true
	slot.tag = tag
	slot.state = state
	if data != nil {
		copy(slot.data[:], data)
	}
	c.clock++
	slot.age = c.clock
}

// setState transitions slot's state without touching its data or LRU age.
func (c *Cache) setState(slot *cacheLine, state LineState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot.state = state
}

// invalidate clears slot back to the never-resident state.
func (c *Cache) invalidate(slot *cacheLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot.valid = false
	slot.state = LineInvalid
}

// read copies size bytes at addr out of slot's data.
func (c *Cache) read(slot *cacheLine, addr uint64, size int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := addr - slot.tag
	out := make([]byte, size)
	copy(out, slot.data[off:])
	return out
}

// write overwrites size bytes at addr within slot's data.
func (c *Cache) write(slot *cacheLine, addr uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := addr - slot.tag
	copy(slot.data[off:], data)
}

// lineData returns a copy of slot's full 64-byte line.
func (c *Cache) lineData(slot *cacheLine) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, CacheLineSize)
	copy(out, slot.data[:])
	return out
}

// state returns slot's current MESI state.
func (c *Cache) state(slot *cacheLine) LineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slot.state
}
