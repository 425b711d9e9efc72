// Package llm defines the generation provider contract. Adapters wrap a
// concrete model API; the engine only sees role-tagged turns in, text out.
package llm

import (
	"context"

	"github.com/nebulachat/nebula/core"
)

// Generator produces a plain-text completion for an ordered turn sequence.
//
// The fixed system persona is supplied to the adapter at construction, not
// as a turn: it travels out-of-band (system instruction) so it never counts
// against or reorders the conversational content.
type Generator interface {
	Generate(ctx context.Context, turns []core.Turn) (string, error)
}
