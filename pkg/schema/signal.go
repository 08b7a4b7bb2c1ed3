package schema

// SignalType enumerates the operator controls accepted by a run.
type SignalType string

const (
	SignalPause       SignalType = "pause"
	SignalResume      SignalType = "resume"
	SignalCancel      SignalType = "cancel"
	SignalSetVariable SignalType = "set_variable"
)

// Signal is an operator message to a run.
type Signal struct {
	Type     SignalType   `json:"type"`
	Reason   string       `json:"reason,omitempty"`
	Actor    string       `json:"actor,omitempty"`
	Variable *VariableSet `json:"variable,omitempty"`
}

// VariableSet writes a variable into a run's variable bag.
type VariableSet struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}
