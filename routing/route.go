package routing

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
)

const (
	DefaultRouteType            = "DefaultRoute"
	StaticMORouteType           = "StaticMORoute"
	StaticMTRouteType           = "StaticMTRoute"
	RandomRoundrobinMORouteType = "RandomRoundrobinMORoute"
	RandomRoundrobinMTRouteType = "RandomRoundrobinMTRoute"
	FailoverMORouteType         = "FailoverMORoute"
	FailoverMTRouteType         = "FailoverMTRoute"
	BestQualityMTRouteType      = "BestQualityMTRoute"
)

// Route decides whether it applies to a Routable and which connector carries
// it. Routes are built once from configuration and shared between goroutines;
// the only mutable state is the failover cursor.
type Route interface {
	Direction() Direction
	Filters() []Filter
	MatchFilters(r Routable) bool
	// Connector returns the connector to use for the next attempt, false
	// once a failover route has run out of connectors.
	Connector() (Connector, bool)
	Connectors() []Connector
	Rate() float64
	Label() string
	String() string
	route()
}

// BillableRoute is implemented by default and MT routes.
type BillableRoute interface {
	Route
	BillFor(u *User) (*Bill, error)
}

// Rewindable is implemented by failover routes. Rewound returns a copy of the
// route whose cursor is back at the first connector; the receiver is not
// touched.
type Rewindable interface {
	Route
	Rewound() Route
}

type filterSet struct {
	filters []Filter
}

func newFilterSet(d Direction, filters []Filter) (filterSet, error) {
	if len(filters) == 0 {
		return filterSet{}, fmt.Errorf("%w: %s route needs at least one filter", ErrInvalidRouteParameter, d)
	}
	fs := filterSet{filters: make([]Filter, len(filters))}
	for i, f := range filters {
		if f == nil {
			return filterSet{}, fmt.Errorf("%w: filter #%d is not a filter", ErrInvalidRouteParameter, i)
		}
		if !filterUsableFor(f, d) {
			return filterSet{}, fmt.Errorf("%w: %s cannot be used on a %s route", ErrInvalidRouteFilter, f, d)
		}
		fs.filters[i] = f
	}
	return fs, nil
}

func (fs filterSet) Filters() []Filter {
	return append([]Filter(nil), fs.filters...)
}

func (fs filterSet) MatchFilters(r Routable) bool {
	for _, f := range fs.filters {
		if !f.Match(r) {
			return false
		}
	}
	return true
}

type singleTarget struct {
	connector Connector
}

func newSingleTarget(c Connector) (singleTarget, error) {
	if c.IsZero() {
		return singleTarget{}, fmt.Errorf("%w: route needs a connector", ErrInvalidRouteParameter)
	}
	return singleTarget{connector: c}, nil
}

func (t singleTarget) Connector() (Connector, bool) { return t.connector, true }
func (t singleTarget) Connectors() []Connector      { return []Connector{t.connector} }
func (t singleTarget) describe() string             { return t.connector.String() }

type multiTarget struct {
	connectors []Connector
}

func newMultiTarget(cs []Connector) (multiTarget, error) {
	if len(cs) == 0 {
		return multiTarget{}, fmt.Errorf("%w: route needs at least one connector", ErrInvalidRouteParameter)
	}
	t := multiTarget{connectors: make([]Connector, len(cs))}
	for i, c := range cs {
		if c.IsZero() {
			return multiTarget{}, fmt.Errorf("%w: connector #%d is not a connector", ErrInvalidRouteParameter, i)
		}
		if c.Type != cs[0].Type {
			return multiTarget{}, fmt.Errorf("%w: mixed connector types %s and %s", ErrInvalidRouteParameter, cs[0].Type, c.Type)
		}
		t.connectors[i] = c
	}
	return t, nil
}

func (t multiTarget) Connectors() []Connector {
	return append([]Connector(nil), t.connectors...)
}

func (t multiTarget) describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d connectors:", len(t.connectors))
	for _, c := range t.connectors {
		sb.WriteString("\n\t- ")
		sb.WriteString(c.String())
	}
	return sb.String()
}

type rated struct {
	rate Rate
}

func newRated(r Rate) (rated, error) {
	if err := r.validate(); err != nil {
		return rated{}, err
	}
	return rated{rate: r}, nil
}

func (r rated) Rate() float64 { return float64(r.rate) }

func (r rated) BillFor(u *User) (*Bill, error) {
	return billFor(r.rate, u)
}

type unrated struct{}

func (unrated) Rate() float64 { return 0 }

// failoverCursor hands out each connector position once, in order, and never
// rewinds.
type failoverCursor struct {
	next atomic.Int64
}

func (c *failoverCursor) take(cs []Connector) (Connector, bool) {
	n := int64(len(cs))
	for {
		i := c.next.Load()
		if i >= n {
			return Connector{}, false
		}
		if c.next.CompareAndSwap(i, i+1) {
			return cs[i], true
		}
	}
}

// DefaultRoute matches everything. It is the last resort entry of a routing
// table.
type DefaultRoute struct {
	singleTarget
	rated
}

func NewDefaultRoute(c Connector, rate Rate) (*DefaultRoute, error) {
	t, err := newSingleTarget(c)
	if err != nil {
		return nil, err
	}
	r, err := newRated(rate)
	if err != nil {
		return nil, err
	}
	return &DefaultRoute{singleTarget: t, rated: r}, nil
}

func (r *DefaultRoute) Direction() Direction         { return DirectionDefault }
func (r *DefaultRoute) Filters() []Filter            { return nil }
func (r *DefaultRoute) MatchFilters(_ Routable) bool { return true }
func (r *DefaultRoute) Label() string                { return DefaultRouteType }
func (r *DefaultRoute) route()                       {}

func (r *DefaultRoute) String() string {
	return fmt.Sprintf("%s to %s %s", r.Label(), r.describe(), r.rate)
}

type StaticMORoute struct {
	filterSet
	singleTarget
	unrated
}

func NewStaticMORoute(filters []Filter, c Connector) (*StaticMORoute, error) {
	fs, err := newFilterSet(DirectionMO, filters)
	if err != nil {
		return nil, err
	}
	t, err := newSingleTarget(c)
	if err != nil {
		return nil, err
	}
	return &StaticMORoute{filterSet: fs, singleTarget: t}, nil
}

func (r *StaticMORoute) Direction() Direction { return DirectionMO }
func (r *StaticMORoute) Label() string        { return StaticMORouteType }
func (r *StaticMORoute) route()               {}

func (r *StaticMORoute) String() string {
	return fmt.Sprintf("%s to %s %s", r.Label(), r.describe(), Rate(0))
}

type StaticMTRoute struct {
	filterSet
	singleTarget
	rated
}

func NewStaticMTRoute(filters []Filter, c Connector, rate Rate) (*StaticMTRoute, error) {
	fs, err := newFilterSet(DirectionMT, filters)
	if err != nil {
		return nil, err
	}
	t, err := newSingleTarget(c)
	if err != nil {
		return nil, err
	}
	r, err := newRated(rate)
	if err != nil {
		return nil, err
	}
	return &StaticMTRoute{filterSet: fs, singleTarget: t, rated: r}, nil
}

func (r *StaticMTRoute) Direction() Direction { return DirectionMT }
func (r *StaticMTRoute) Label() string        { return StaticMTRouteType }
func (r *StaticMTRoute) route()               {}

func (r *StaticMTRoute) String() string {
	return fmt.Sprintf("%s to %s %s", r.Label(), r.describe(), r.rate)
}

// RandomRoundrobinMORoute picks one of its connectors uniformly at random on
// every call.
type RandomRoundrobinMORoute struct {
	filterSet
	multiTarget
	unrated
}

func NewRandomRoundrobinMORoute(filters []Filter, cs []Connector) (*RandomRoundrobinMORoute, error) {
	fs, err := newFilterSet(DirectionMO, filters)
	if err != nil {
		return nil, err
	}
	t, err := newMultiTarget(cs)
	if err != nil {
		return nil, err
	}
	return &RandomRoundrobinMORoute{filterSet: fs, multiTarget: t}, nil
}

func (r *RandomRoundrobinMORoute) Connector() (Connector, bool) {
	return r.connectors[rand.IntN(len(r.connectors))], true
}

func (r *RandomRoundrobinMORoute) Direction() Direction { return DirectionMO }
func (r *RandomRoundrobinMORoute) Label() string        { return RandomRoundrobinMORouteType }
func (r *RandomRoundrobinMORoute) route()               {}

func (r *RandomRoundrobinMORoute) String() string {
	return fmt.Sprintf("%s to %s", r.Label(), r.describe())
}

type RandomRoundrobinMTRoute struct {
	filterSet
	multiTarget
	rated
}

func NewRandomRoundrobinMTRoute(filters []Filter, cs []Connector, rate Rate) (*RandomRoundrobinMTRoute, error) {
	fs, err := newFilterSet(DirectionMT, filters)
	if err != nil {
		return nil, err
	}
	t, err := newMultiTarget(cs)
	if err != nil {
		return nil, err
	}
	r, err := newRated(rate)
	if err != nil {
		return nil, err
	}
	return &RandomRoundrobinMTRoute{filterSet: fs, multiTarget: t, rated: r}, nil
}

func (r *RandomRoundrobinMTRoute) Connector() (Connector, bool) {
	return r.connectors[rand.IntN(len(r.connectors))], true
}

func (r *RandomRoundrobinMTRoute) Direction() Direction { return DirectionMT }
func (r *RandomRoundrobinMTRoute) Label() string        { return RandomRoundrobinMTRouteType }
func (r *RandomRoundrobinMTRoute) route()               {}

func (r *RandomRoundrobinMTRoute) String() string {
	return fmt.Sprintf("%s to %s \n%s", r.Label(), r.describe(), r.rate)
}

// FailoverMORoute hands out its connectors in configured order, one per call,
// and reports exhaustion after the last one. Build a new route to start over.
type FailoverMORoute struct {
	filterSet
	multiTarget
	unrated
	cursor failoverCursor
}

func NewFailoverMORoute(filters []Filter, cs []Connector) (*FailoverMORoute, error) {
	fs, err := newFilterSet(DirectionMO, filters)
	if err != nil {
		return nil, err
	}
	t, err := newMultiTarget(cs)
	if err != nil {
		return nil, err
	}
	return &FailoverMORoute{filterSet: fs, multiTarget: t}, nil
}

func (r *FailoverMORoute) Connector() (Connector, bool) {
	return r.cursor.take(r.connectors)
}

func (r *FailoverMORoute) Rewound() Route {
	return &FailoverMORoute{filterSet: r.filterSet, multiTarget: r.multiTarget}
}

func (r *FailoverMORoute) Direction() Direction { return DirectionMO }
func (r *FailoverMORoute) Label() string        { return FailoverMORouteType }
func (r *FailoverMORoute) route()               {}

func (r *FailoverMORoute) String() string {
	return fmt.Sprintf("%s to %s", r.Label(), r.describe())
}

type FailoverMTRoute struct {
	filterSet
	multiTarget
	rated
	cursor failoverCursor
}

func NewFailoverMTRoute(filters []Filter, cs []Connector, rate Rate) (*FailoverMTRoute, error) {
	fs, err := newFilterSet(DirectionMT, filters)
	if err != nil {
		return nil, err
	}
	t, err := newMultiTarget(cs)
	if err != nil {
		return nil, err
	}
	r, err := newRated(rate)
	if err != nil {
		return nil, err
	}
	return &FailoverMTRoute{filterSet: fs, multiTarget: t, rated: r}, nil
}

func (r *FailoverMTRoute) Connector() (Connector, bool) {
	return r.cursor.take(r.connectors)
}

func (r *FailoverMTRoute) Rewound() Route {
	return &FailoverMTRoute{filterSet: r.filterSet, multiTarget: r.multiTarget, rated: r.rated}
}

func (r *FailoverMTRoute) Direction() Direction { return DirectionMT }
func (r *FailoverMTRoute) Label() string        { return FailoverMTRouteType }
func (r *FailoverMTRoute) route()               {}

func (r *FailoverMTRoute) String() string {
	return fmt.Sprintf("%s to %s \n%s", r.Label(), r.describe(), r.rate)
}

// NewBestQualityMTRoute always fails: quality scored selection has no
// definition yet.
func NewBestQualityMTRoute(filters []Filter, cs []Connector, rate Rate) (BillableRoute, error) {
	return nil, fmt.Errorf("%w: %s", ErrRouteNotImplemented, BestQualityMTRouteType)
}
