package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter() *Router {
	r := New(Config{
		Extensions: func(ext string) bool {
			return ext == "101" || ext == "102"
		},
	})
	r.AddQueue(NewQueue("600", StrategyRoundRobin))
	r.AddConference("700")
	r.AddIVR("0", "main-menu")
	r.SetTrunks([]TrunkInfo{
		{ID: "carrier-a", Prefixes: []string{"8", "+7"}, Rate: 0.5, Priority: 1, Healthy: true},
	})
	return r
}

func TestRoute_Precedence(t *testing.T) {
	r := testRouter()

	cases := []struct {
		dest string
		want DestinationType
	}{
		{"101", DestExtension},
		{"600", DestQueue},
		{"700", DestConference},
		{"*9101", DestVoicemail},
		{"0", DestIVR},
		{"84951234567", DestTrunk},
	}
	for _, tc := range cases {
		d, err := r.Route(tc.dest)
		require.NoError(t, err, tc.dest)
		assert.Equal(t, tc.want, d.Type, tc.dest)
	}
}

func TestRoute_ExtensionBeatsQueue(t *testing.T) {
	r := New(Config{Extensions: func(string) bool { return true }})
	r.AddQueue(NewQueue("600", StrategyRingAll))

	// extension и очередь с одним номером: выигрывает extension
	d, err := r.Route("600")
	require.NoError(t, err)
	assert.Equal(t, DestExtension, d.Type)
}

func TestRoute_NoRoute(t *testing.T) {
	r := testRouter()
	_, err := r.Route("99999")
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = r.Route("")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRoute_VoicemailTarget(t *testing.T) {
	r := testRouter()
	d, err := r.Route("*9102")
	require.NoError(t, err)
	assert.Equal(t, DestVoicemail, d.Type)
	assert.Equal(t, "102", d.Target)

	// нецифровой остаток — не голосовая почта
	_, err = r.Route("*9abc")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRankTrunks_HealthyOnlyAndOrdering(t *testing.T) {
	trunks := []TrunkInfo{
		{ID: "cheap-sick", Prefixes: []string{"8"}, Rate: 0.1, Priority: 1, Healthy: false},
		{ID: "pricey", Prefixes: []string{"8"}, Rate: 0.9, Priority: 1, Healthy: true},
		{ID: "mid-b", Prefixes: []string{"8"}, Rate: 0.5, Priority: 2, Healthy: true},
		{ID: "mid-a", Prefixes: []string{"8"}, Rate: 0.5, Priority: 1, Healthy: true},
	}

	ranked := RankTrunks("84951234567", trunks)
	require.Len(t, ranked, 3)

	// Нездоровый не выбирается, пока есть здоровая альтернатива
	for _, tr := range ranked {
		assert.NotEqual(t, "cheap-sick", tr.ID)
	}

	// (rate, priority) порядок
	assert.Equal(t, "mid-a", ranked[0].ID)
	assert.Equal(t, "mid-b", ranked[1].ID)
	assert.Equal(t, "pricey", ranked[2].ID)
}

func TestRankTrunks_NoHealthy(t *testing.T) {
	trunks := []TrunkInfo{
		{ID: "down", Prefixes: []string{"8"}, Rate: 0.1, Healthy: false},
	}
	assert.Empty(t, RankTrunks("84951234567", trunks))
}

func TestRankTrunks_PrefixFilter(t *testing.T) {
	trunks := []TrunkInfo{
		{ID: "intl", Prefixes: []string{"+"}, Rate: 1.0, Healthy: true},
		{ID: "local", Prefixes: []string{"84"}, Rate: 0.2, Healthy: true},
	}
	ranked := RankTrunks("+14155550100", trunks)
	require.Len(t, ranked, 1)
	assert.Equal(t, "intl", ranked[0].ID)
}
