package store

import (
	"fmt"
	"hash"
	"sort"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Pool of hashers to avoid per-call allocation on the cached-read path.
var hasherPool = sync.Pool{
	New: func() interface{} {
		return murmur3.New64()
	},
}

// cacheKey derives a deterministic cache key from an operation name and
// its canonicalized parameters. When the spec declares KeyParams those
// fix the order; otherwise all params are folded in name order.
func cacheKey(spec OpSpec, params Params) string {
	hasher := hasherPool.Get().(hash.Hash64)
	defer hasherPool.Put(hasher)
	hasher.Reset()

	hasher.Write([]byte(spec.Name))

	names := spec.KeyParams
	if len(names) == 0 {
		names = make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	for _, name := range names {
		hasher.Write([]byte{0})
		hasher.Write([]byte(name))
		hasher.Write([]byte{'='})
		hasher.Write([]byte(canonicalValue(params[name])))
	}

	return spec.Name + ":" + strconv.FormatUint(hasher.Sum64(), 16)
}

func canonicalValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
