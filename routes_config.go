package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"smpp-routing-gw/routing"
)

type routesFile struct {
	Connectors []connectorConf `yaml:"connectors"`
	Users      []userConf      `yaml:"users"`
	Filters    []filterConf    `yaml:"filters"`
	MTRoutes   []routeConf     `yaml:"mt_routes"`
	MORoutes   []routeConf     `yaml:"mo_routes"`
}

type connectorConf struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url,omitempty"`
	Method  string `yaml:"method,omitempty"`
}

type userConf struct {
	UID      string            `yaml:"uid"`
	GID      string            `yaml:"gid"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Quotas   map[string]string `yaml:"quotas,omitempty"`
}

type filterConf struct {
	ID        string `yaml:"id"`
	Type      string `yaml:"type"`
	Pattern   string `yaml:"pattern,omitempty"`
	UID       string `yaml:"uid,omitempty"`
	GID       string `yaml:"gid,omitempty"`
	Connector string `yaml:"connector,omitempty"`
}

type routeConf struct {
	Order      int       `yaml:"order"`
	Type       string    `yaml:"type"`
	Filters    []string  `yaml:"filters,omitempty"`
	Connector  string    `yaml:"connector,omitempty"`
	Connectors []string  `yaml:"connectors,omitempty"`
	Rate       yaml.Node `yaml:"rate,omitempty"`
}

// RoutingConfig is everything built from a routes file.
type RoutingConfig struct {
	Connectors map[string]routing.Connector
	Filters    map[string]routing.Filter
	// Users by username. Empty when users are kept in the database.
	Users map[string]*routing.User
	MT    *routing.Table
	MO    *routing.Table
}

func LoadRoutingConfig(file string) (*RoutingConfig, error) {
	path, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}
	rc, err := ParseRoutingConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rc, nil
}

func ParseRoutingConfig(data []byte) (*RoutingConfig, error) {
	var f routesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing routes file: %w", err)
	}

	rc := &RoutingConfig{
		Connectors: make(map[string]routing.Connector),
		Filters:    make(map[string]routing.Filter),
		Users:      make(map[string]*routing.User),
		MT:         routing.NewMTTable(),
		MO:         routing.NewMOTable(),
	}

	for i, c := range f.Connectors {
		conn, err := buildConnector(c)
		if err != nil {
			return nil, fmt.Errorf("connectors[%d]: %w", i, err)
		}
		if _, dup := rc.Connectors[conn.CID]; dup {
			return nil, fmt.Errorf("connectors[%d]: %w: duplicate connector id %q", i, routing.ErrInvalidRouteParameter, conn.CID)
		}
		rc.Connectors[conn.CID] = conn
	}

	usersByUID := make(map[string]*routing.User)
	for i, u := range f.Users {
		user, err := buildUser(u)
		if err != nil {
			return nil, fmt.Errorf("users[%d]: %w", i, err)
		}
		if _, dup := rc.Users[user.Username]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, user.Username)
		}
		rc.Users[user.Username] = user
		usersByUID[user.UID] = user
	}

	for i, fc := range f.Filters {
		filter, err := rc.buildFilter(fc, usersByUID)
		if err != nil {
			return nil, fmt.Errorf("filters[%d] %q: %w", i, fc.ID, err)
		}
		if _, dup := rc.Filters[fc.ID]; dup {
			return nil, fmt.Errorf("filters[%d]: duplicate filter id %q", i, fc.ID)
		}
		rc.Filters[fc.ID] = filter
	}

	for i, r := range f.MTRoutes {
		if err := rc.addRoute(rc.MT, r); err != nil {
			return nil, fmt.Errorf("mt_routes[%d] order %d %s: %w", i, r.Order, r.Type, err)
		}
	}
	for i, r := range f.MORoutes {
		if err := rc.addRoute(rc.MO, r); err != nil {
			return nil, fmt.Errorf("mo_routes[%d] order %d %s: %w", i, r.Order, r.Type, err)
		}
	}
	return rc, nil
}

func buildConnector(c connectorConf) (routing.Connector, error) {
	if c.ID == "" {
		return routing.Connector{}, fmt.Errorf("%w: connector id is required", routing.ErrInvalidRouteParameter)
	}
	t, err := routing.ParseConnectorType(c.Type)
	if err != nil {
		return routing.Connector{}, err
	}
	switch t {
	case routing.ConnectorSMPPClient:
		return routing.NewSMPPClientConnector(c.ID), nil
	case routing.ConnectorHTTP:
		if c.BaseURL == "" {
			return routing.Connector{}, fmt.Errorf("%w: http connector %q needs a base_url", routing.ErrInvalidRouteParameter, c.ID)
		}
		return routing.NewHTTPConnector(c.ID, c.BaseURL, c.Method), nil
	}
	return routing.NewConnector(c.ID), nil
}

func buildUser(u userConf) (*routing.User, error) {
	if u.UID == "" || u.Username == "" {
		return nil, fmt.Errorf("uid and username are required")
	}
	user := routing.NewUser(u.UID, routing.Group{GID: u.GID}, u.Username, u.Password)
	for key, literal := range u.Quotas {
		q, err := routing.ParseQuota(routing.QuotaKey(key), literal)
		if err != nil {
			return nil, err
		}
		if err := user.MtCredential.SetQuota(routing.QuotaKey(key), q); err != nil {
			return nil, err
		}
	}
	return user, nil
}

func (rc *RoutingConfig) connector(id string) (routing.Connector, error) {
	c, ok := rc.Connectors[id]
	if !ok {
		return routing.Connector{}, fmt.Errorf("%w: unknown connector %q", routing.ErrInvalidRouteParameter, id)
	}
	return c, nil
}

func (rc *RoutingConfig) buildFilter(fc filterConf, users map[string]*routing.User) (routing.Filter, error) {
	if fc.ID == "" {
		return nil, fmt.Errorf("%w: filter id is required", routing.ErrInvalidFilterParameter)
	}
	switch strings.ToLower(fc.Type) {
	case "transparent":
		return routing.NewTransparentFilter(), nil
	case "connector":
		c, err := rc.connector(fc.Connector)
		if err != nil {
			return nil, err
		}
		return routing.NewConnectorFilter(c)
	case "user":
		u, ok := users[fc.UID]
		if !ok {
			// users may live in the database, the filter only needs the uid
			u = &routing.User{UID: fc.UID}
		}
		return routing.NewUserFilter(u)
	case "group":
		return routing.NewGroupFilter(routing.Group{GID: fc.GID})
	case "destination_addr":
		return routing.NewDestinationAddrFilter(fc.Pattern)
	case "source_addr":
		return routing.NewSourceAddrFilter(fc.Pattern)
	case "short_message":
		return routing.NewShortMessageFilter(fc.Pattern)
	}
	return nil, fmt.Errorf("%w: unknown filter type %q", routing.ErrInvalidFilterParameter, fc.Type)
}

// rate reads the rate node. Integer literals are refused so that "rate: 0"
// is caught as a typo for "rate: 0.0".
func (r routeConf) rate() (routing.Rate, bool, error) {
	if r.Rate.Kind == 0 {
		return 0, false, nil
	}
	if r.Rate.Kind != yaml.ScalarNode {
		return 0, true, fmt.Errorf("%w: rate must be a number", routing.ErrInvalidRouteParameter)
	}
	if r.Rate.Tag == "!!int" {
		return 0, true, fmt.Errorf("%w: rate %s must be a float, not an integer", routing.ErrInvalidRouteParameter, r.Rate.Value)
	}
	rate, err := routing.ParseRate(r.Rate.Value)
	return rate, true, err
}

func (rc *RoutingConfig) routeFilters(ids []string) ([]routing.Filter, error) {
	filters := make([]routing.Filter, 0, len(ids))
	for _, id := range ids {
		f, ok := rc.Filters[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter %q", routing.ErrInvalidRouteParameter, id)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func (rc *RoutingConfig) routeConnectors(r routeConf, multi bool) ([]routing.Connector, error) {
	if multi && r.Connector != "" {
		return nil, fmt.Errorf("%w: use connectors, not connector", routing.ErrInvalidRouteParameter)
	}
	if !multi && len(r.Connectors) > 0 {
		return nil, fmt.Errorf("%w: use connector, not connectors", routing.ErrInvalidRouteParameter)
	}
	ids := r.Connectors
	if !multi {
		ids = []string{r.Connector}
	}
	cs := make([]routing.Connector, 0, len(ids))
	for _, id := range ids {
		c, err := rc.connector(id)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	return cs, nil
}

func (rc *RoutingConfig) buildRoute(table *routing.Table, r routeConf) (routing.Route, error) {
	filters, err := rc.routeFilters(r.Filters)
	if err != nil {
		return nil, err
	}

	multi := false
	switch r.Type {
	case routing.RandomRoundrobinMORouteType, routing.RandomRoundrobinMTRouteType,
		routing.FailoverMORouteType, routing.FailoverMTRouteType, routing.BestQualityMTRouteType:
		multi = true
	}
	cs, err := rc.routeConnectors(r, multi)
	if err != nil {
		return nil, err
	}
	rate, hasRate, err := r.rate()
	if err != nil {
		return nil, err
	}

	requireRate := func() error {
		if !hasRate {
			return fmt.Errorf("%w: rate is required", routing.ErrInvalidRouteParameter)
		}
		return nil
	}
	refuseRate := func() error {
		if hasRate {
			return fmt.Errorf("%w: %s takes no rate", routing.ErrRouteArity, r.Type)
		}
		return nil
	}

	switch r.Type {
	case routing.DefaultRouteType:
		if table.Direction() == routing.DirectionMT {
			if err := requireRate(); err != nil {
				return nil, err
			}
		}
		return routing.NewDefaultRoute(cs[0], rate)
	case routing.StaticMORouteType:
		if hasRate {
			logf := LoggingFormat{Type: LogType.Config, Level: logrus.WarnLevel, Message: "StaticMORoute ignores its rate"}
			logf.AddField("order", r.Order)
			logf.Print()
		}
		return routing.NewStaticMORoute(filters, cs[0])
	case routing.StaticMTRouteType:
		if err := requireRate(); err != nil {
			return nil, err
		}
		return routing.NewStaticMTRoute(filters, cs[0], rate)
	case routing.RandomRoundrobinMORouteType:
		if err := refuseRate(); err != nil {
			return nil, err
		}
		return routing.NewRandomRoundrobinMORoute(filters, cs)
	case routing.RandomRoundrobinMTRouteType:
		if err := requireRate(); err != nil {
			return nil, err
		}
		return routing.NewRandomRoundrobinMTRoute(filters, cs, rate)
	case routing.FailoverMORouteType:
		if err := refuseRate(); err != nil {
			return nil, err
		}
		return routing.NewFailoverMORoute(filters, cs)
	case routing.FailoverMTRouteType:
		if err := requireRate(); err != nil {
			return nil, err
		}
		return routing.NewFailoverMTRoute(filters, cs, rate)
	case routing.BestQualityMTRouteType:
		return routing.NewBestQualityMTRoute(filters, cs, rate)
	}
	return nil, fmt.Errorf("%w: unknown route type %q", routing.ErrInvalidRouteParameter, r.Type)
}

func (rc *RoutingConfig) addRoute(table *routing.Table, r routeConf) error {
	route, err := rc.buildRoute(table, r)
	if err != nil {
		return err
	}
	for _, existing := range table.Routes() {
		if existing.Order == r.Order {
			return fmt.Errorf("%w: order %d is used twice", routing.ErrInvalidTableParameter, r.Order)
		}
	}
	return table.Add(r.Order, route)
}

func (rc *RoutingConfig) userByName(username string) (*routing.User, bool) {
	u, ok := rc.Users[username]
	return u, ok
}
