package trunk

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testTrunks() []Trunk {
	return []Trunk{
		{ID: "cheap", Host: "10.0.1.1:5060", Prefixes: []string{"+1"}, Rate: 0.01, Priority: 10},
		{ID: "backup", Host: "10.0.1.2:5060", Prefixes: []string{"+1", "+44"}, Rate: 0.02, Priority: 5},
	}
}

func newTestProber(onChange func(string, bool)) *Prober {
	p := NewProber(nil, ProberConfig{
		FailureThreshold: 3,
		OnChange:         onChange,
		Logger:           testLog(),
	})
	p.SetTrunks(testTrunks())
	return p
}

func TestProber_NewTrunkStartsHealthy(t *testing.T) {
	p := newTestProber(nil)
	assert.True(t, p.Healthy("cheap"))
	assert.True(t, p.Healthy("backup"))
	assert.False(t, p.Healthy("unknown"))
}

func TestProber_UnhealthyAfterThreeStrikes(t *testing.T) {
	var changes []string
	p := newTestProber(func(id string, healthy bool) {
		changes = append(changes, id)
		assert.False(t, healthy)
	})
	probeErr := errors.New("timeout")

	p.record("cheap", probeErr)
	p.record("cheap", probeErr)
	assert.True(t, p.Healthy("cheap"), "два провала еще не приговор")

	p.record("cheap", probeErr)
	assert.False(t, p.Healthy("cheap"))
	assert.Equal(t, []string{"cheap"}, changes)

	// Дальнейшие провалы не дергают OnChange повторно
	p.record("cheap", probeErr)
	assert.Equal(t, []string{"cheap"}, changes)
}

func TestProber_SuccessResetsFailures(t *testing.T) {
	p := newTestProber(nil)
	probeErr := errors.New("timeout")

	p.record("cheap", probeErr)
	p.record("cheap", probeErr)
	p.record("cheap", nil)
	p.record("cheap", probeErr)
	p.record("cheap", probeErr)
	assert.True(t, p.Healthy("cheap"), "успех сбрасывает счетчик провалов")
}

func TestProber_RecoveryOnFirstSuccess(t *testing.T) {
	var recovered bool
	p := newTestProber(func(id string, healthy bool) {
		if healthy {
			recovered = true
		}
	})
	probeErr := errors.New("timeout")

	for i := 0; i < 3; i++ {
		p.record("backup", probeErr)
	}
	require.False(t, p.Healthy("backup"))

	p.record("backup", nil)
	assert.True(t, p.Healthy("backup"))
	assert.True(t, recovered)
}

func TestProber_SetTrunksKeepsKnownState(t *testing.T) {
	p := newTestProber(nil)
	probeErr := errors.New("timeout")
	for i := 0; i < 3; i++ {
		p.record("cheap", probeErr)
	}
	require.False(t, p.Healthy("cheap"))

	// Перечитанная таблица не воскрешает нездоровый транк
	p.SetTrunks(testTrunks())
	assert.False(t, p.Healthy("cheap"))
	assert.True(t, p.Healthy("backup"))
}

func TestProber_ProbeAllUsesProbeFn(t *testing.T) {
	p := newTestProber(nil)
	var probed []string
	p.probeFn = func(_ context.Context, t Trunk) error {
		probed = append(probed, t.ID)
		if t.ID == "cheap" {
			return errors.New("unreachable")
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		p.ProbeAll(context.Background())
	}

	assert.Equal(t, []string{"cheap", "backup", "cheap", "backup", "cheap", "backup"}, probed)
	assert.False(t, p.Healthy("cheap"))
	assert.True(t, p.Healthy("backup"))
}

func TestProber_Snapshot(t *testing.T) {
	p := newTestProber(nil)
	probeErr := errors.New("timeout")
	for i := 0; i < 3; i++ {
		p.record("cheap", probeErr)
	}

	infos := p.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "cheap", infos[0].ID)
	assert.False(t, infos[0].Healthy)
	assert.Equal(t, 0.01, infos[0].Rate)
	assert.Equal(t, "backup", infos[1].ID)
	assert.True(t, infos[1].Healthy)
	assert.Equal(t, []string{"+1", "+44"}, infos[1].Prefixes)
}

func TestTrunkURI(t *testing.T) {
	uri, err := trunkURI("sip.example.com:5080")
	require.NoError(t, err)
	assert.Equal(t, "sip.example.com", uri.Host)
	assert.Equal(t, 5080, uri.Port)

	uri, err = trunkURI("sip.example.com")
	require.NoError(t, err)
	assert.Equal(t, "sip.example.com", uri.Host)
	assert.Equal(t, 5060, uri.Port)
}
