package meter

import "github.com/ineyio/tokenquota"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ tokenquota.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnGate(tokenquota.GateEvent)     {}
func (m *NoopMeter) OnInvoke(tokenquota.InvokeEvent) {}
func (m *NoopMeter) OnDebit(tokenquota.DebitEvent)   {}
