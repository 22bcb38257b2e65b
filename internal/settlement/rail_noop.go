package settlement

import (
	"context"
	"fmt"
)

// NoopRail confirms every transfer without moving money. Used when no rail
// endpoint is configured (local development and tests); the receipt reference
// echoes the instruction id so settled sessions stay traceable.
type NoopRail struct{}

func (NoopRail) Transfer(_ context.Context, instruction Instruction) (Receipt, error) {
	return Receipt{Reference: fmt.Sprintf("noop-%s", instruction.ID)}, nil
}
