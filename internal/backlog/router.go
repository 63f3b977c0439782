package backlog

import (
	"hash/fnv"

	"github.com/roach88/gridrepl/internal/packet"
)

// Router assigns packets to delivery lanes.
type Router interface {
	// Lanes returns the number of lanes.
	Lanes() int
	// Route returns the lanes p belongs to, in ascending order.
	Route(p packet.Packet) []int
}

type globalRouter struct{}

var laneZero = []int{0}

func (globalRouter) Lanes() int { return 1 }

func (globalRouter) Route(packet.Packet) []int { return laneZero }

// bucketRouter hashes entries onto n lanes. Boundary packets go to all of
// them.
type bucketRouter struct {
	n   int
	all []int
}

func newBucketRouter(n int) *bucketRouter {
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return &bucketRouter{n: n, all: all}
}

func (r *bucketRouter) Lanes() int { return r.n }

func (r *bucketRouter) Route(p packet.Packet) []int {
	if p.Kind.IsBoundary() {
		return r.all
	}
	return []int{BucketOf(p.NormalizedEntry(), r.n)}
}

// BucketOf returns the lane an entry hashes to among n lanes.
func BucketOf(entry string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(entry))
	return int(h.Sum32() % uint32(n))
}
