// Package sshtunnel exposes remote loopback services as local HTTP endpoints
// by forwarding TCP connections through an SSH session.
//
// # Tunnel Architecture
//
// Each tunnel binds an ephemeral port on 127.0.0.1 and forwards every inbound
// TCP connection through its own SSH direct-tcpip channel to a fixed remote
// host and port. This is analogous to SSH -L (local port forward). All
// channels of one session share the same underlying SSH connection.
//
// Tunnels are keyed by (session ID, remote host, remote port): asking twice
// for the same remote endpoint over the same session returns the same base
// URL. Different remote ports get different local ports.
//
// # Bridges
//
// An accepted local connection is paired with an SSH channel in a bridge. The
// local side starts being read immediately while the channel is still being
// opened; bytes that arrive in that window are kept in a pending buffer and
// flushed in order once the channel is up. Closing either side closes the
// other. If the channel cannot be opened the local connection is closed right
// away so the client sees a failure rather than a hang.
//
// # Lifecycle
//
// [Manager.CloseAll] tears down every tunnel of a session: listeners stop
// accepting (the local port refuses connections from then on) and all active
// bridges are closed. The manager also watches each session's Done channel
// and does this automatically when the session drops.
package sshtunnel
