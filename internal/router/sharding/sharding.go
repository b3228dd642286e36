// Package sharding implements the hash/list/range column-to-shard mapping
// rules named in a ShardedTable, plus the hashers used by the Hash mapping.
package sharding

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Hasher computes a shard-routing hash for a byte value.
type Hasher func([]byte) uint64

// XXHash is the default hasher.
func XXHash(b []byte) uint64 { return xxhash.Sum64(b) }

// Murmur3 is the alternate hasher, used when a table's configuration
// requests it.
func Murmur3(b []byte) uint64 { return murmur3.Sum64(b) }

// HasherByName resolves a configured hasher name, defaulting to XXHash.
func HasherByName(name string) Hasher {
	switch name {
	case "murmur3":
		return Murmur3
	default:
		return XXHash
	}
}

// Mapping is the kind of column-to-shard rule a ShardedTable carries.
type Mapping int

const (
	MappingHash Mapping = iota
	MappingList
	MappingRange
)

// RangeBound is one half-open interval [Start, End) mapped to a shard.
type RangeBound struct {
	Start string
	End   string
	Shard int
}

// Table is the routable sharding rule for one column: its hasher, mapping
// kind, and mapping-specific data.
type Table struct {
	Column   string
	DataType string
	Hasher   Hasher
	Mapping  Mapping

	Shards      int            // total shard count, for Hash mapping
	List        map[string]int // value -> shard, for List mapping
	DefaultList int            // -1 means "All" (fallback)
	Ranges      []RangeBound   // sorted ascending by Start, for Range mapping
	DefaultRange int           // -1 means "All" (fallback)
}

// Route computes the shard index for value under t's mapping. ok is false
// (meaning "route to All") when value doesn't match and no default shard
// is configured.
func (t Table) Route(value string) (shard int, ok bool) {
	switch t.Mapping {
	case MappingHash:
		h := t.Hasher([]byte(value))
		return int(h % uint64(t.Shards)), true
	case MappingList:
		if s, found := t.List[value]; found {
			return s, true
		}
		if t.DefaultList >= 0 {
			return t.DefaultList, true
		}
		return 0, false
	case MappingRange:
		return t.routeRange(value)
	default:
		return 0, false
	}
}

func (t Table) routeRange(value string) (int, bool) {
	idx := sort.Search(len(t.Ranges), func(i int) bool {
		return t.Ranges[i].End > value
	})
	if idx < len(t.Ranges) && t.Ranges[idx].Start <= value {
		return t.Ranges[idx].Shard, true
	}
	if t.DefaultRange >= 0 {
		return t.DefaultRange, true
	}
	return 0, false
}

// RouteInt is a convenience wrapper for integer sharding columns: binary
// values are decoded by the wire codec upstream, so by the time a value
// reaches here it is always a canonical string.
func (t Table) RouteInt(v int64) (int, bool) {
	return t.Route(strconv.FormatInt(v, 10))
}

// HashInt32 mirrors PostgreSQL's hash_int4 well enough for routing purposes:
// a stable, uniform hash over the 4-byte big-endian encoding of v.
func HashInt32(h Hasher, v int32) uint64 {
	buf := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return h(buf)
}

// HashInt64 is the 8-byte analogue of HashInt32.
func HashInt64(h Hasher, v int64) uint64 {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> uint(56-8*i))
	}
	return h(buf)
}

// ErrUnknownMapping builds the error for an unrecognized mapping name.
func ErrUnknownMapping(name string) error {
	return fmt.Errorf("unknown sharding mapping %q", name)
}
