package transport

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/ringkv/internal/chord"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

// peerToValue converts a peer for use inside a structpb.Struct. Unknown
// neighbors become null.
func peerToValue(p *chord.Peer) any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"id":      int(p.ID),
		"id_hex":  hash.Format(p.ID),
		"address": p.Address(),
		"url":     p.URL(),
	}
}

// StateToStruct renders a ring state snapshot and storage counters.
func StateToStruct(state chord.RingState, stats pkg.Stats) (*structpb.Struct, error) {
	pending := make([]any, 0, len(state.Pending))
	for _, key := range state.Pending {
		pending = append(pending, hash.Format(key))
	}

	self := state.Self
	s, err := structpb.NewStruct(map[string]any{
		"self":        peerToValue(&self),
		"predecessor": peerToValue(state.Predecessor),
		"successor":   peerToValue(state.Successor),
		"joining":     state.Joining,
		"sole":        state.Sole(),
		"pending":     pending,
		"storage": map[string]any{
			"entries":   stats.Entries,
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"sets":      stats.Sets,
			"deletes":   stats.Deletes,
			"evictions": stats.Evictions,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert ring state: %w", err)
	}
	return s, nil
}

// RouteToStruct renders a routing decision for path.
func RouteToStruct(path string, route chord.Route) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"path":        path,
		"key":         int(route.Key),
		"key_hex":     hash.Format(route.Key),
		"decision":    route.Kind.String(),
		"peer":        peerToValue(route.Peer),
		"pending":     route.Pending,
		"lookup_sent": route.LookupSent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert route: %w", err)
	}
	return s, nil
}
