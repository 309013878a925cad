package allocator

import (
	"context"
	"sort"

	pb "go.shardkv.dev/core/protocol"
)

// PlaceGroupForShard returns candidate groups for |count| new shards, ordered
// on ascending shard count with ties broken by ascending group ID. Callers
// assign the i'th new shard to candidates[i % len(candidates)]. If |count| is
// less than the number of groups, only the |count| least-loaded groups are
// returned. An empty result is returned if |count| <= 0 or there are no groups.
func (a *Allocator) PlaceGroupForShard(ctx context.Context, count int) ([]pb.GroupDesc, error) {
	var s, err = a.snapshot(ctx)
	if err != nil {
		return nil, err
	} else if count <= 0 || len(s.groups) == 0 {
		return nil, nil
	}

	var out = make([]pb.GroupDesc, len(s.groups))
	for i := range s.groups {
		out[i] = s.groups[i].Copy()
	}
	// |out| is already ordered on ID, so a stable sort breaks ties on it.
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Shards) < len(out[j].Shards)
	})

	if count < len(out) {
		out = out[:count]
	}
	return out, nil
}
