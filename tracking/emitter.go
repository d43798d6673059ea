package tracking

// Sources of a tracking change.
const (
	SourceTrack     = "track"
	SourcePush      = "push"
	SourceReconcile = "reconcile"
	SourceRestore   = "restore"
)

// Reasons a record was cleared.
const (
	ReasonCleared  = "cleared"
	ReasonLinger   = "terminal-linger"
	ReasonTerminal = "terminal-reconciled"
)

// EventEmitter receives coordinator state changes. Methods are called without
// the coordinator lock held.
type EventEmitter interface {
	EmitTrackingChanged(session string, rec Record, source string)
	EmitConnectionChanged(session string, connected bool)
	EmitTrackingCleared(session, orderID, reason string)
}

type nopEmitter struct{}

func (nopEmitter) EmitTrackingChanged(string, Record, string) {}
func (nopEmitter) EmitConnectionChanged(string, bool)         {}
func (nopEmitter) EmitTrackingCleared(string, string, string) {}
