// Package lattice is a peer-to-peer service-mesh messaging layer.
//
// Independent service processes connect to one another over TCP, advertise
// which logical services they provide, and exchange binary envelopes routed
// by service type. There is no broker and no multi-hop routing: every link
// is a direct peer-to-peer TCP connection, and a `Mesh` is simply one
// process's view of its links.
//
// On top of that connectionless envelope stream, the mesh layers:
//
//   - a service registry, fed by each link's hello handshake, answering
//     "which live peers offer service X in role Y" for broadcasts;
//   - a dispatcher routing every inbound envelope to the single handler
//     owning its service type, and fanning link up/down transitions out to
//     every handler;
//   - a heartbeat service pinging live peers on a fixed interval and
//     measuring round-trip latency from the echoed timestamps;
//   - a tracking service turning the broadcast-style stream into
//     request/response pairs: a correlation id, a callback and a deadline,
//     resolved exactly once by response, timeout, link loss or shutdown.
//
// Handlers implement the `Handler` interface and register with
// `Mesh.RegisterHandler` under a service type of `wire.ServiceUserBase` or
// above; the reserved types below it carry the built-in protocol.
package lattice
