package meter

import "github.com/ineyio/usagemeter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ usagemeter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnSession(usagemeter.SessionEvent) {}
func (m *NoopMeter) OnSync(usagemeter.SyncEvent)       {}
