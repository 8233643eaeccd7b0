package ledger

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/storyguard/pkg/domain"
)

// Payload decodes the well-known metadata keys of a transaction.
// Unknown keys are ignored; numeric strings are accepted for numeric fields.
func Payload(tx domain.Transaction) (domain.TransactionPayload, error) {
	var p domain.TransactionPayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(tx.Metadata); err != nil {
		return p, fmt.Errorf("invalid metadata on transaction %s: %w", tx.ID, err)
	}
	return p, nil
}
