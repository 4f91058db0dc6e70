// Package swarm replicates objects between hosts with causal consistency.
//
// Every replica of an object is kept by a `Host` and changes through
// *operations*, immutable events named by a `spec.Spec` such as
// `/Model#7AM0f+alice!7AM0g+bob.set`: the type, the object id, the
// version of the operation and its method. Operations are applied at most
// once per replica, in causal order per source, and eventually reach every
// replica subscribed to the object.
//
// ## How it works
//
// A `Host` registers *sources*: its storage and the remote hosts it is
// connected to, through a `Pipe` for instance. For every object, the host
// picks the sources it SHOULD pull from (`Host.Sources`): servers rank
// each other on a consistent hash ring, clients pull from their storage
// then from the nearest server.
//
// An object subscribes to its sources with `on`, carrying the version
// vector of what it already has. A source answers with the operations the
// subscriber misses, in a `bundle`, then `reon` with its own vector so the
// subscriber can send back what the source misses. Afterwards, every new
// operation is relayed to all the subscribers except the one it came from.
//
// The operation log of an object is compacted after every change: for a
// `Model`, only the operations still holding the latest value of a field
// survive, plus the head of every source so replays keep being detected.
//
// ## Topology
//
// Clients dial a server. Servers form a full mesh, either from a static
// list of uplinks or by gossiping with `Discovery`, built on
// [`hashicorp/memberlist`][dep-mbl]. Links are message-oriented streams
// from package `link`: websockets, QUIC streams, or in-memory pairs.
//
// Hosts are NOT safe for concurrent use: everything that touches a host,
// its objects or its sources MUST go through `Host.Exec` when several
// goroutines are involved. Pipes and discovery do so on their own.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package swarm
