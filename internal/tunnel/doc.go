// Package tunnel implements the reverse-SSH tunnel core: the SSH server that
// authenticates creator sessions and approves remote port forwarding, the
// port allocator, and the in-memory registry of live tunnels. It is pure
// infrastructure with zero knowledge of the account backend; lifecycle
// notifications are injected via the notify.Notifier interface.
package tunnel
