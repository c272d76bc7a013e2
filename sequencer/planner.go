package sequencer

import (
	"time"

	"go-conductor/protocol"
)

// DefaultLookahead is how far past "now" the first event of a batch lands
const DefaultLookahead = 450 * time.Millisecond

// Plan converts seq into PLAY commands scheduled at ref + lookahead + offset.
// ref must be sampled once per batch by the caller so that spacing between
// targets is exactly the authored spacing.
func Plan(seq Sequence, ref time.Time, lookahead time.Duration) []protocol.Command {
	base := ref.Add(lookahead)
	cmds := make([]protocol.Command, len(seq.Events))
	for i, ev := range seq.Events {
		cmds[i] = protocol.PlayCommand(ev.Symbol, base.Add(ev.Offset))
	}
	return cmds
}
