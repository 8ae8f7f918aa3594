package meter

import "github.com/ineyio/tokenquota"

// Multi fans every event out to each meter in order.
type Multi []tokenquota.Meter

var _ tokenquota.Meter = Multi(nil)

func (m Multi) OnGate(e tokenquota.GateEvent) {
	for _, mm := range m {
		mm.OnGate(e)
	}
}

func (m Multi) OnInvoke(e tokenquota.InvokeEvent) {
	for _, mm := range m {
		mm.OnInvoke(e)
	}
}

func (m Multi) OnDebit(e tokenquota.DebitEvent) {
	for _, mm := range m {
		mm.OnDebit(e)
	}
}
