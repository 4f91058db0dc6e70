package swarm

import (
	"github.com/spaolacci/murmur3"
)

// HashPointCount is how many points a string occupies on the ring.
const HashPointCount = 3

// Hash is a seeded 32-bit murmur3.
func Hash(s string, seed uint32) uint32 {
	return murmur3.Sum32WithSeed([]byte(s), seed)
}

// HashPoints places s on the ring.
func HashPoints(s string) [HashPointCount]uint32 {
	var points [HashPointCount]uint32
	for i := range points {
		points[i] = Hash(s, uint32(i))
	}
	return points
}

// HashDistance is the smallest gap between any point of a and any point
// of b. It is symmetric.
func HashDistance(a, b string) uint32 {
	pa, pb := HashPoints(a), HashPoints(b)
	minDist := ^uint32(0)
	for _, x := range pa {
		for _, y := range pb {
			d := x - y
			if y > x {
				d = y - x
			}
			minDist = min(minDist, d)
		}
	}
	return minDist
}
