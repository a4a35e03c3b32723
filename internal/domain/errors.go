package domain

import "errors"

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("%w: ...")
// and match with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrNoCardsConfigured = errors.New("no cards configured")
	ErrNoRewardsFound    = errors.New("no rewards found")
	ErrRepository        = errors.New("repository failure")
	ErrRuleComputation   = errors.New("reward computation error")
)
