package ratemon

import "spendvault/pkg/domain"

// RiskService pairs the monitor's window reads with the configured advisory
// spend-rate ceiling. This is the surface the risk component polls; it never
// touches session state.
type RiskService struct {
	*Monitor
	ceiling domain.Amount
}

// NewRiskService wraps a monitor with a per-minute ceiling. A zero ceiling
// disables the exceeded flag.
func NewRiskService(monitor *Monitor, ceilingPerMinute domain.Amount) *RiskService {
	return &RiskService{Monitor: monitor, ceiling: ceilingPerMinute}
}

// CeilingPerMinute returns the configured advisory ceiling.
func (s *RiskService) CeilingPerMinute() domain.Amount {
	return s.ceiling
}
