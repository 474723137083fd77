package routing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteString(t *testing.T) {
	f := newFixtures(t)
	pair := []Connector{f.connector1, f.connector2}

	staticMT, err := NewStaticMTRoute(f.simpleFilterMT, f.connector2, 0.0)
	require.NoError(t, err)
	staticMO, err := NewStaticMORoute(f.simpleFilterMO, f.connector2)
	require.NoError(t, err)
	def, err := NewDefaultRoute(f.connector2, 0)
	require.NoError(t, err)
	rrMT, err := NewRandomRoundrobinMTRoute(f.simpleFilterMT, pair, 0.0)
	require.NoError(t, err)
	rrMO, err := NewRandomRoundrobinMORoute(f.simpleFilterMO, pair)
	require.NoError(t, err)
	foMT, err := NewFailoverMTRoute(f.simpleFilterMT, pair, 0.0)
	require.NoError(t, err)
	foMO, err := NewFailoverMORoute(f.simpleFilterMO, pair)
	require.NoError(t, err)

	tests := []struct {
		route Route
		str   string
		label string
	}{
		{staticMT, "StaticMTRoute to generic(def) NOT RATED", "StaticMTRoute"},
		{staticMO, "StaticMORoute to generic(def) NOT RATED", "StaticMORoute"},
		{def, "DefaultRoute to generic(def) NOT RATED", "DefaultRoute"},
		{rrMT, "RandomRoundrobinMTRoute to 2 connectors:\n\t- generic(abc)\n\t- generic(def) \nNOT RATED", "RandomRoundrobinMTRoute"},
		{rrMO, "RandomRoundrobinMORoute to 2 connectors:\n\t- generic(abc)\n\t- generic(def)", "RandomRoundrobinMORoute"},
		{foMT, "FailoverMTRoute to 2 connectors:\n\t- generic(abc)\n\t- generic(def) \nNOT RATED", "FailoverMTRoute"},
		{foMO, "FailoverMORoute to 2 connectors:\n\t- generic(abc)\n\t- generic(def)", "FailoverMORoute"},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.str, tt.route.String())
			assert.Equal(t, tt.label, tt.route.Label())
		})
	}
}

func TestMultiConnectorRoutesRequireConnectors(t *testing.T) {
	f := newFixtures(t)
	mixed := []Connector{
		NewHTTPConnector("http", "http://www.example.com", ""),
		NewSMPPClientConnector("smpp"),
	}
	invalid := map[string][]Connector{
		"empty":           {},
		"nil":             nil,
		"not a connector": {{}, {}},
		"mixed types":     mixed,
	}

	for name, cs := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := NewRandomRoundrobinMTRoute(f.simpleFilterMT, cs, 0.0)
			assert.ErrorIs(t, err, ErrInvalidRouteParameter)
			_, err = NewRandomRoundrobinMORoute(f.simpleFilterMO, cs)
			assert.ErrorIs(t, err, ErrInvalidRouteParameter)
			_, err = NewFailoverMTRoute(f.simpleFilterMT, cs, 0.0)
			assert.ErrorIs(t, err, ErrInvalidRouteParameter)
			_, err = NewFailoverMORoute(f.simpleFilterMO, cs)
			assert.ErrorIs(t, err, ErrInvalidRouteParameter)
		})
	}
}

func TestStaticRouteParameters(t *testing.T) {
	f := newFixtures(t)

	_, err := NewStaticMTRoute(f.simpleFilterMT, f.connector2, 0.0)
	require.NoError(t, err)
	_, err = NewStaticMORoute(f.simpleFilterMO, f.connector2)
	require.NoError(t, err)

	_, err = NewStaticMTRoute(nil, f.connector2, 0.0)
	assert.ErrorIs(t, err, ErrInvalidRouteParameter)
	_, err = NewStaticMTRoute([]Filter{nil}, f.connector2, 0.0)
	assert.ErrorIs(t, err, ErrInvalidRouteParameter)
	_, err = NewStaticMTRoute(f.simpleFilterMT, Connector{}, 0.0)
	assert.ErrorIs(t, err, ErrInvalidRouteParameter)
	_, err = NewStaticMORoute(f.simpleFilterMO, Connector{})
	assert.ErrorIs(t, err, ErrInvalidRouteParameter)
	_, err = NewDefaultRoute(Connector{}, 0)
	assert.ErrorIs(t, err, ErrInvalidRouteParameter)
}

func TestFilterTypeCompatibility(t *testing.T) {
	f := newFixtures(t)

	_, err := NewStaticMTRoute(f.invalidFilter, f.connector2, 0.0)
	assert.ErrorIs(t, err, ErrInvalidRouteFilter)
	_, err = NewStaticMORoute(f.simpleFilterMT, f.connector2)
	assert.ErrorIs(t, err, ErrInvalidRouteFilter)
	_, err = NewStaticMTRoute(f.simpleFilterMO, f.connector2, 0.0)
	assert.ErrorIs(t, err, ErrInvalidRouteFilter)
	_, err = NewFailoverMORoute(f.simpleFilterMT, []Connector{f.connector1})
	assert.ErrorIs(t, err, ErrInvalidRouteFilter)
	_, err = NewRandomRoundrobinMTRoute(f.simpleFilterMO, []Connector{f.connector1}, 0.0)
	assert.ErrorIs(t, err, ErrInvalidRouteFilter)

	// destination filters work both ways
	_, err = NewStaticMORoute(f.simpleFilterAll, f.connector2)
	assert.NoError(t, err)
	_, err = NewStaticMTRoute(f.simpleFilterAll, f.connector2, 0.0)
	assert.NoError(t, err)
}

func TestRouteValidationOrder(t *testing.T) {
	f := newFixtures(t)

	// bad filter and bad connector: the filter is reported
	_, err := NewStaticMTRoute(f.simpleFilterMO, Connector{}, -1)
	assert.ErrorIs(t, err, ErrInvalidRouteFilter)

	// bad connector and bad rate: the connector is reported
	_, err = NewFailoverMTRoute(f.simpleFilterMT, nil, -1)
	require.ErrorIs(t, err, ErrInvalidRouteParameter)
	assert.Contains(t, err.Error(), "connector")
}

func TestDefaultRouteMatchesEverything(t *testing.T) {
	f := newFixtures(t)
	o, err := NewDefaultRoute(f.connector2, 0)
	require.NoError(t, err)

	mt := NewRoutableSubmitSm(submitSm("20203060", "1", "hello world"), f.user1)
	mo := NewRoutableDeliverSm(deliverSm("20203060", "1", "hello world"), f.connector1)

	assert.True(t, o.MatchFilters(mt))
	assert.True(t, o.MatchFilters(mo))
	c, ok := o.Connector()
	assert.True(t, ok)
	assert.Equal(t, f.connector2, c)
	assert.Empty(t, o.Filters())
}

func TestMTRoutesMatchFilters(t *testing.T) {
	f := newFixtures(t)
	pair := []Connector{f.connector1, f.connector2}
	p := submitSm("20203060", "1", "hello world")
	routableUser1 := NewRoutableSubmitSm(p, f.user1)
	routableUser2 := NewRoutableSubmitSm(p, f.user2)

	static, err := NewStaticMTRoute(f.simpleFilterMT, f.connector2, 0.0)
	require.NoError(t, err)
	rr, err := NewRandomRoundrobinMTRoute(f.simpleFilterMT, pair, 0.0)
	require.NoError(t, err)
	fo, err := NewFailoverMTRoute(f.simpleFilterMT, pair, 0.0)
	require.NoError(t, err)

	for _, r := range []Route{static, rr, fo} {
		t.Run(r.Label(), func(t *testing.T) {
			assert.True(t, r.MatchFilters(routableUser1))
			assert.False(t, r.MatchFilters(routableUser2))
		})
	}
}

func TestMORoutesMatchFilters(t *testing.T) {
	f := newFixtures(t)
	pair := []Connector{f.connector1, f.connector2}
	p := deliverSm("20203060", "1", "hello world")
	routableConnector1 := NewRoutableDeliverSm(p, f.connector1)
	routableConnector2 := NewRoutableDeliverSm(p, f.connector2)

	static, err := NewStaticMORoute(f.simpleFilterMO, f.connector2)
	require.NoError(t, err)
	rr, err := NewRandomRoundrobinMORoute(f.simpleFilterMO, pair)
	require.NoError(t, err)
	fo, err := NewFailoverMORoute(f.simpleFilterMO, pair)
	require.NoError(t, err)

	for _, r := range []Route{static, rr, fo} {
		t.Run(r.Label(), func(t *testing.T) {
			assert.True(t, r.MatchFilters(routableConnector1))
			assert.False(t, r.MatchFilters(routableConnector2))
		})
	}
}

func TestMatchFiltersIsConjunction(t *testing.T) {
	f := newFixtures(t)
	dst, err := NewDestinationAddrFilter(`33\d+`)
	require.NoError(t, err)
	filters := append([]Filter{dst}, f.simpleFilterMT...)

	r, err := NewStaticMTRoute(filters, f.connector1, 0.0)
	require.NoError(t, err)

	assert.True(t, r.MatchFilters(NewRoutableSubmitSm(submitSm("1", "33612345678", "hi"), f.user1)))
	assert.False(t, r.MatchFilters(NewRoutableSubmitSm(submitSm("1", "33612345678", "hi"), f.user2)))
	assert.False(t, r.MatchFilters(NewRoutableSubmitSm(submitSm("1", "44612345678", "hi"), f.user1)))
}

func TestRatedRoutes(t *testing.T) {
	f := newFixtures(t)
	pair := []Connector{f.connector1, f.connector2}

	t.Run("DefaultRoute", func(t *testing.T) {
		dr, err := NewDefaultRoute(f.connector1, 0)
		require.NoError(t, err)
		assert.Equal(t, 0.0, dr.Rate())
		assert.Equal(t, "DefaultRoute to generic(abc) NOT RATED", dr.String())

		dr, err = NewDefaultRoute(f.connector1, 2.3)
		require.NoError(t, err)
		assert.Equal(t, 2.3, dr.Rate())
		assert.Equal(t, "DefaultRoute to generic(abc) rated 2.30", dr.String())

		_, err = NewDefaultRoute(f.connector1, -2)
		assert.ErrorIs(t, err, ErrInvalidRouteParameter)
	})

	t.Run("StaticMORoute", func(t *testing.T) {
		sr, err := NewStaticMORoute(f.simpleFilterMO, f.connector1)
		require.NoError(t, err)
		assert.Equal(t, 0.0, sr.Rate())
		assert.Equal(t, "StaticMORoute to generic(abc) NOT RATED", sr.String())
	})

	t.Run("StaticMTRoute", func(t *testing.T) {
		sr, err := NewStaticMTRoute(f.simpleFilterMT, f.connector1, 0.0)
		require.NoError(t, err)
		assert.Equal(t, 0.0, sr.Rate())
		assert.Equal(t, "StaticMTRoute to generic(abc) NOT RATED", sr.String())

		sr, err = NewStaticMTRoute(f.simpleFilterMT, f.connector1, 2.3)
		require.NoError(t, err)
		assert.Equal(t, 2.3, sr.Rate())
		assert.Equal(t, "StaticMTRoute to generic(abc) rated 2.30", sr.String())

		_, err = NewStaticMTRoute(f.simpleFilterMT, f.connector1, -2)
		assert.ErrorIs(t, err, ErrInvalidRouteParameter)
	})

	t.Run("RandomRoundrobinMORoute", func(t *testing.T) {
		rrr, err := NewRandomRoundrobinMORoute(f.simpleFilterMO, pair)
		require.NoError(t, err)
		assert.Equal(t, 0.0, rrr.Rate())
	})

	t.Run("RandomRoundrobinMTRoute", func(t *testing.T) {
		rrr, err := NewRandomRoundrobinMTRoute(f.simpleFilterMT, pair, 0.0)
		require.NoError(t, err)
		assert.Equal(t, 0.0, rrr.Rate())

		rrr, err = NewRandomRoundrobinMTRoute(f.simpleFilterMT, pair, 5.6)
		require.NoError(t, err)
		assert.Equal(t, 5.6, rrr.Rate())
		assert.Equal(t,
			"RandomRoundrobinMTRoute to 2 connectors:\n\t- generic(abc)\n\t- generic(def) \nrated 5.60",
			rrr.String())

		_, err = NewRandomRoundrobinMTRoute(f.simpleFilterMT, pair, -2)
		assert.ErrorIs(t, err, ErrInvalidRouteParameter)
	})
}

func TestParsedRateZeroRenders(t *testing.T) {
	f := newFixtures(t)

	_, err := ParseRate("0")
	assert.ErrorIs(t, err, ErrInvalidRouteParameter)

	rate, err := ParseRate("0.0")
	require.NoError(t, err)
	r, err := NewStaticMTRoute(f.simpleFilterMT, f.connector1, rate)
	require.NoError(t, err)
	assert.Equal(t, "StaticMTRoute to generic(abc) NOT RATED", r.String())
}

func TestRandomRoundrobinPicksEveryConnector(t *testing.T) {
	f := newFixtures(t)
	pair := []Connector{f.connector1, f.connector2}
	mo, err := NewRandomRoundrobinMORoute(f.simpleFilterMO, pair)
	require.NoError(t, err)
	mt, err := NewRandomRoundrobinMTRoute(f.simpleFilterMT, pair, 0.0)
	require.NoError(t, err)

	for _, r := range []Route{mo, mt} {
		seen := map[string]int{}
		for i := 0; i < 1000; i++ {
			c, ok := r.Connector()
			require.True(t, ok)
			seen[c.CID]++
		}
		assert.Len(t, seen, 2, r.Label())
		assert.Greater(t, seen["abc"], 300)
		assert.Greater(t, seen["def"], 300)
		assert.Equal(t, pair, r.Connectors())
	}
}

func TestFailoverGetConnector(t *testing.T) {
	f := newFixtures(t)
	connectors := []Connector{f.connector1, f.connector2}

	mo, err := NewFailoverMORoute(f.simpleFilterMO, connectors)
	require.NoError(t, err)
	mt, err := NewFailoverMTRoute(f.simpleFilterMT, connectors, 0.0)
	require.NoError(t, err)

	for _, r := range []Route{mo, mt} {
		t.Run(r.Label(), func(t *testing.T) {
			c, ok := r.Connector()
			require.True(t, ok)
			assert.Equal(t, connectors[0], c)
			c, ok = r.Connector()
			require.True(t, ok)
			assert.Equal(t, connectors[1], c)

			for i := 0; i < 3; i++ {
				c, ok = r.Connector()
				assert.False(t, ok)
				assert.True(t, c.IsZero())
			}

			// the cursor does not touch the configured list
			assert.Equal(t, connectors, r.Connectors())
		})
	}
}

func TestFailoverRewound(t *testing.T) {
	f := newFixtures(t)
	connectors := []Connector{f.connector1, f.connector2}
	mt, err := NewFailoverMTRoute(f.simpleFilterMT, connectors, 1.5)
	require.NoError(t, err)
	mo, err := NewFailoverMORoute(f.simpleFilterMO, connectors)
	require.NoError(t, err)

	for _, r := range []Rewindable{mt, mo} {
		t.Run(r.Label(), func(t *testing.T) {
			c, _ := r.Connector()
			assert.Equal(t, connectors[0], c)

			fresh := r.Rewound()
			c, ok := fresh.Connector()
			require.True(t, ok)
			assert.Equal(t, connectors[0], c)
			assert.Equal(t, r.String(), fresh.String())
			assert.Equal(t, r.Rate(), fresh.Rate())

			// the original keeps its own position
			c, ok = r.Connector()
			require.True(t, ok)
			assert.Equal(t, connectors[1], c)
		})
	}
}

func TestFailoverConcurrentCallersGetDistinctConnectors(t *testing.T) {
	f := newFixtures(t)
	connectors := make([]Connector, 0, 50)
	for i := 0; i < 50; i++ {
		connectors = append(connectors, NewConnector(string(rune('A'+i%26))+string(rune('a'+i/26))))
	}
	r, err := NewFailoverMTRoute(f.simpleFilterMT, connectors, 0.0)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		got  = map[string]int{}
		none int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, ok := r.Connector()
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				none++
				return
			}
			got[c.CID]++
		}()
	}
	wg.Wait()

	assert.Len(t, got, 50)
	for cid, n := range got {
		assert.Equal(t, 1, n, cid)
	}
	assert.Equal(t, 150, none)
}

func TestBestQualityMTRouteIsNotImplemented(t *testing.T) {
	f := newFixtures(t)
	r, err := NewBestQualityMTRoute(f.simpleFilterMT, []Connector{f.connector1}, 0.0)
	assert.Nil(t, r)
	assert.ErrorIs(t, err, ErrRouteNotImplemented)
}
