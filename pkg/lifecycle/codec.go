package lifecycle

import (
	"encoding/json"

	"github.com/mu-protocol/executor/pkg/types"
)

// encodeStack and decodeStack persist a Stack's tracked state across
// restarts so a node doesn't have to wait a full reconciliation cycle
// (and in Fetching's case, a chain replay) to know what it last had
// running. The manifest itself is re-fetched from the chain event
// stream rather than round-tripped here in full fidelity; only the
// phase bookkeeping needs to survive a restart.
type persistedStack struct {
	ID         types.StackId
	Revision   uint64
	Phase      types.StackPhase
	FailReason string
}

func encodeStack(s types.Stack) ([]byte, error) {
	return json.Marshal(persistedStack{
		ID:         s.ID,
		Revision:   s.Revision,
		Phase:      s.Phase,
		FailReason: s.FailReason,
	})
}

func decodeStack(data []byte) (types.Stack, error) {
	var p persistedStack
	if err := json.Unmarshal(data, &p); err != nil {
		return types.Stack{}, err
	}
	return types.Stack{ID: p.ID, Revision: p.Revision, Phase: p.Phase, FailReason: p.FailReason}, nil
}
