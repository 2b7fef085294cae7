package meter

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ineyio/usagemeter"
)

type recordingMeter struct {
	sessions []usagemeter.SessionEvent
	syncs    []usagemeter.SyncEvent
}

func (m *recordingMeter) OnSession(e usagemeter.SessionEvent) { m.sessions = append(m.sessions, e) }
func (m *recordingMeter) OnSync(e usagemeter.SyncEvent)       { m.syncs = append(m.syncs, e) }

func TestLogMeter_SessionAndSyncError(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMeter(slog.New(slog.NewTextHandler(&buf, nil)))

	m.OnSession(usagemeter.SessionEvent{
		Kind:      usagemeter.SessionEnded,
		UserID:    "u1",
		SessionID: "s1",
		Plan:      usagemeter.PlanBasic,
		Reason:    usagemeter.EndTimeout,
		Minutes:   3,
	})
	m.OnSync(usagemeter.SyncEvent{Kind: usagemeter.SyncSnapshot, UserID: "u1", Error: errors.New("boom")})

	out := buf.String()
	assert.Contains(t, out, "session_end")
	assert.Contains(t, out, "reason=timeout")
	assert.Contains(t, out, "minutes=3")
	assert.Contains(t, out, "sync_error")
	assert.Contains(t, out, "error=boom")
}

func TestLogMeter_NilLoggerUsesDefault(t *testing.T) {
	m := NewLogMeter(nil)
	assert.Equal(t, slog.Default(), m.Logger)
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &recordingMeter{}, &recordingMeter{}
	m := Multi{a, &NoopMeter{}, b}

	m.OnSession(usagemeter.SessionEvent{Kind: usagemeter.SessionStarted, SessionID: "s1"})
	m.OnSync(usagemeter.SyncEvent{Kind: usagemeter.SyncSession})

	for _, r := range []*recordingMeter{a, b} {
		assert.Len(t, r.sessions, 1)
		assert.Len(t, r.syncs, 1)
	}
}

func TestPromMeter_CountsSessionsAndWrites(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg)

	m.OnSession(usagemeter.SessionEvent{Kind: usagemeter.SessionStarted, Plan: usagemeter.PlanPro})
	m.OnSession(usagemeter.SessionEvent{Kind: usagemeter.SessionStarted, Plan: usagemeter.PlanPro})
	m.OnSession(usagemeter.SessionEvent{
		Kind:    usagemeter.SessionEnded,
		Plan:    usagemeter.PlanPro,
		Reason:  usagemeter.EndUserEnded,
		Minutes: 4,
	})
	m.OnSync(usagemeter.SyncEvent{Kind: usagemeter.SyncSnapshot, Async: true, Duration: 10 * time.Millisecond})
	m.OnSync(usagemeter.SyncEvent{Kind: usagemeter.SyncSession, Error: errors.New("down")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsStarted.WithLabelValues("pro")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsEnded.WithLabelValues("pro", "user_ended")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.minutesBilled.WithLabelValues("pro")))

	count, err := testutil.GatherAndCount(reg, "usagemeter_store_writes_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPromMeter_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPromMeter(reg)
	assert.Panics(t, func() { NewPromMeter(reg) })
}
