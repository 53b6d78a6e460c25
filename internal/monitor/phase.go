package monitor

// Phase is where a target is in its connection lifecycle.
type Phase string

const (
	PhaseDisconnected     Phase = "disconnected"
	PhaseConnecting       Phase = "connecting"
	PhaseTunnelOpen       Phase = "tunnel_open"
	PhaseSyncing          Phase = "syncing"
	PhaseLive             Phase = "live"
	PhaseLostRetrying     Phase = "lost_retrying"
	PhaseNeedsCredentials Phase = "needs_credentials"
)

// Reconnecting reports whether the phase should be shown as "reconnecting".
func (p Phase) Reconnecting() bool {
	return p == PhaseConnecting || p == PhaseLostRetrying
}
