package routing

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

type OrderedRoute struct {
	Order int
	Route Route
}

// Table is an ordered set of routes for one direction. Lookups walk the routes
// from the highest order down and stop at the first match; order 0 is kept for
// the DefaultRoute.
type Table struct {
	direction Direction
	mu        sync.RWMutex
	routes    map[int]Route
	ordered   []OrderedRoute
}

func NewMTTable() *Table {
	return &Table{direction: DirectionMT, routes: make(map[int]Route)}
}

func NewMOTable() *Table {
	return &Table{direction: DirectionMO, routes: make(map[int]Route)}
}

func (t *Table) Direction() Direction {
	return t.direction
}

// Add puts route at order, replacing whatever was there.
func (t *Table) Add(order int, route Route) error {
	if route == nil {
		return fmt.Errorf("%w: nil route", ErrInvalidTableParameter)
	}
	if order < 0 {
		return fmt.Errorf("%w: negative order %d", ErrInvalidTableParameter, order)
	}
	d := route.Direction()
	if d != DirectionDefault && d != t.direction {
		return fmt.Errorf("%w: %s cannot be added to the %s table", ErrInvalidTableParameter, route.Label(), t.direction)
	}
	if order == 0 && d != DirectionDefault {
		return fmt.Errorf("%w: order 0 is reserved for %s", ErrInvalidTableParameter, DefaultRouteType)
	}
	if order != 0 && d == DirectionDefault {
		return fmt.Errorf("%w: %s must be added at order 0", ErrInvalidTableParameter, DefaultRouteType)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[order] = route
	t.reorder()
	return nil
}

func (t *Table) Remove(order int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[order]; !ok {
		return false
	}
	delete(t.routes, order)
	t.reorder()
	return true
}

func (t *Table) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = make(map[int]Route)
	t.ordered = nil
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ordered)
}

// Routes returns every route, highest order first.
func (t *Table) Routes() []OrderedRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]OrderedRoute(nil), t.ordered...)
}

// RouteFor returns the first route whose filters match r.
func (t *Table) RouteFor(r Routable) (OrderedRoute, bool) {
	if r == nil || r.Direction() != t.direction {
		return OrderedRoute{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, or := range t.ordered {
		if or.Route.MatchFilters(r) {
			log.WithFields(log.Fields{
				"table": t.direction,
				"order": or.Order,
				"route": or.Route.Label(),
				"to":    r.DestinationAddr(),
			}).Debug("route matched")
			return or, true
		}
	}
	log.WithFields(log.Fields{
		"table": t.direction,
		"to":    r.DestinationAddr(),
	}).Debug("no route matched")
	return OrderedRoute{}, false
}

// reorder must be called with mu held.
func (t *Table) reorder() {
	ordered := make([]OrderedRoute, 0, len(t.routes))
	for order, route := range t.routes {
		ordered = append(ordered, OrderedRoute{Order: order, Route: route})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order > ordered[j].Order })
	t.ordered = ordered
}
