package machine

import (
	"fmt"

	"github.com/aretw0/storyguard/pkg/domain"
)

// UnavailableOptionError is returned when an option is absent from the current
// state or its condition does not hold.
type UnavailableOptionError struct {
	StateID  string
	OptionID string
}

func (e *UnavailableOptionError) Error() string {
	return fmt.Sprintf("option '%s' is not available on state '%s'", e.OptionID, e.StateID)
}

func (e *UnavailableOptionError) Unwrap() error {
	return domain.ErrUnknownOption
}
