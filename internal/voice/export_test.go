package voice

import "context"

// CheckAfterStart runs one after-start monitor pass.
func (s *Scheduler) CheckAfterStart(ctx context.Context) { s.checkAfterStart(ctx) }
