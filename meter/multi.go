package meter

import "github.com/ineyio/usagemeter"

// Multi fans every event out to each meter in order.
type Multi []usagemeter.Meter

var _ usagemeter.Meter = Multi(nil)

func (m Multi) OnSession(e usagemeter.SessionEvent) {
	for _, mm := range m {
		mm.OnSession(e)
	}
}

func (m Multi) OnSync(e usagemeter.SyncEvent) {
	for _, mm := range m {
		mm.OnSync(e)
	}
}
