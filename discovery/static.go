package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VanDung-dev/EchoMesh/queue"
)

// Static is a Source over a fixed seed list. Seeds never expire.
type Static struct {
	seeds  map[peer.ID]string
	events *queue.Unbounded[Event]

	once sync.Once
}

// NewStatic returns a source announcing seeds (peer -> address) on Start.
func NewStatic(seeds map[peer.ID]string) *Static {
	copied := make(map[peer.ID]string, len(seeds))
	for id, addr := range seeds {
		copied[id] = addr
	}
	return &Static{seeds: copied, events: queue.New[Event]()}
}

// Start emits one Appeared event per seed, in peer ID order. Later calls do
// nothing.
func (s *Static) Start(context.Context) error {
	var err error
	s.once.Do(func() {
		ids := make([]peer.ID, 0, len(s.seeds))
		for id := range s.seeds {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			if err = s.events.Push(Event{Kind: Appeared, Peer: id, Addr: s.seeds[id]}); err != nil {
				return
			}
		}
	})
	return err
}

func (s *Static) Events() *queue.Unbounded[Event] { return s.events }

func (s *Static) Known(p peer.ID) bool {
	_, ok := s.seeds[p]
	return ok
}

func (s *Static) Close() error {
	s.events.Close()
	return nil
}
