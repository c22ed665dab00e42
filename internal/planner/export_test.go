package planner

// SetNow overrides the planner's clock for tests.
func (p *Planner) SetNow(f func() float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = f
}
