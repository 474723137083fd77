package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/M2MGateway/go-smpp/pdu"
	"github.com/sirupsen/logrus"

	"smpp-routing-gw/routing"
	"smpp-routing-gw/smpp/coding"
)

//goland:noinspection ALL
var (
	ErrNoRoute             = errors.New("gateway: no route matched")
	ErrUnknownSender       = errors.New("gateway: unknown user")
	ErrConnectorsExhausted = errors.New("gateway: no connector accepted the message")
	ErrInvalidRequest      = errors.New("gateway: invalid route request")
)

// Publisher delivers routed messages to connector queues.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Gateway routes MT and MO requests through the routing tables, charges MT
// senders and hands the result to the chosen connector's queue.
type Gateway struct {
	ServerID   string
	Accountant *Accountant
	Publisher  Publisher
	Metrics    *RoutingMetrics
	RecordChan chan RouteRecord

	mu     sync.RWMutex
	routes *RoutingConfig
	users  map[string]*routing.User
}

func NewGateway(serverID string, rc *RoutingConfig, pub Publisher) *Gateway {
	gateway := &Gateway{
		ServerID:  serverID,
		Publisher: pub,
	}
	gateway.Metrics = NewRoutingMetrics(serverID, gateway.Tables)
	gateway.Accountant = NewAccountant(nil, gateway.Metrics)
	gateway.SetRouting(rc)
	gateway.SetUsers(rc.Users)
	return gateway
}

// SetRouting swaps in a new routing configuration. Users are kept.
func (gateway *Gateway) SetRouting(rc *RoutingConfig) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.routes = rc
}

func (gateway *Gateway) SetUsers(users map[string]*routing.User) {
	copied := make(map[string]*routing.User, len(users))
	for name, u := range users {
		copied[name] = u
	}
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.users = copied
}

func (gateway *Gateway) User(username string) (*routing.User, bool) {
	gateway.mu.RLock()
	defer gateway.mu.RUnlock()
	u, ok := gateway.users[username]
	return u, ok
}

func (gateway *Gateway) UserCount() int {
	gateway.mu.RLock()
	defer gateway.mu.RUnlock()
	return len(gateway.users)
}

func (gateway *Gateway) Routing() *RoutingConfig {
	gateway.mu.RLock()
	defer gateway.mu.RUnlock()
	return gateway.routes
}

func (gateway *Gateway) Tables() []*routing.Table {
	rc := gateway.Routing()
	if rc == nil {
		return nil
	}
	return []*routing.Table{rc.MT, rc.MO}
}

// connectorFor resolves the connector an MO request arrived on. Connectors
// missing from the routes file are still routable by their id and type.
func (gateway *Gateway) connectorFor(req *RouteRequest) (routing.Connector, error) {
	if strings.TrimSpace(req.Connector) == "" {
		return routing.Connector{}, fmt.Errorf("%w: connector is required", ErrInvalidRequest)
	}
	if c, ok := gateway.Routing().Connectors[req.Connector]; ok {
		return c, nil
	}
	t, err := routing.ParseConnectorType(req.ConnectorType)
	if err != nil {
		return routing.Connector{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return routing.Connector{CID: req.Connector, Type: t}, nil
}

func submitSM(req *RouteRequest, text string) *pdu.SubmitSM {
	return &pdu.SubmitSM{
		SourceAddr: pdu.Address{TON: 0x01, NPI: 0x01, No: req.Source},
		DestAddr:   pdu.Address{TON: 0x01, NPI: 0x01, No: req.Destination},
		Message:    pdu.ShortMessage{Message: []byte(text)},
	}
}

func deliverSM(req *RouteRequest, text string) *pdu.DeliverSM {
	return &pdu.DeliverSM{
		SourceAddr: pdu.Address{TON: 0x01, NPI: 0x01, No: req.Source},
		DestAddr:   pdu.Address{TON: 0x01, NPI: 0x01, No: req.Destination},
		Message:    pdu.ShortMessage{Message: []byte(text)},
	}
}

// Resolution is a routing decision that has not been acted on.
type Resolution struct {
	Route     routing.OrderedRoute
	Connector routing.Connector
	Bill      *routing.Bill
	Coding    coding.DataCoding
	Parts     int
}

// ResolveMT finds the route, connector and bill an MT message would get,
// without charging the user or moving any failover cursor.
func (gateway *Gateway) ResolveMT(req *RouteRequest) (*Resolution, error) {
	user, ok := gateway.User(req.Username)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSender, req.Username)
	}
	text, err := req.ShortMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	or, ok := gateway.Routing().MT.RouteFor(routing.NewRoutableSubmitSm(submitSM(req, text), user))
	if !ok {
		return nil, ErrNoRoute
	}
	route := or.Route
	if rw, ok := route.(routing.Rewindable); ok {
		route = rw.Rewound()
	}
	c, _ := route.Connector()

	res := &Resolution{Route: or, Connector: c, Coding: coding.BestCoding(text), Parts: coding.CountParts(text)}
	if br, ok := or.Route.(routing.BillableRoute); ok {
		bill, err := br.BillFor(user)
		if err != nil {
			return nil, err
		}
		res.Bill = bill.Scale(res.Parts)
	}
	return res, nil
}

// RouteSubmitSM routes an MT request, charges its sender and publishes it to
// the chosen connector.
func (gateway *Gateway) RouteSubmitSM(ctx context.Context, req *RouteRequest) (*RoutedMessage, error) {
	req.ensureLogID()
	rec := RouteRecord{
		LogID:       req.LogID,
		Direction:   string(routing.DirectionMT),
		Username:    req.Username,
		Source:      req.Source,
		Destination: req.Destination,
	}
	logf := LoggingFormat{Type: LogType.Routing, Function: "RouteSubmitSM", TransactionID: req.LogID}
	logf.AddField("username", req.Username)
	logf.AddField("to", req.Destination)

	msg, err := gateway.routeSubmitSM(ctx, req, &rec)
	gateway.finish(routing.DirectionMT, &rec, &logf, msg, err)
	return msg, err
}

func (gateway *Gateway) routeSubmitSM(ctx context.Context, req *RouteRequest, rec *RouteRecord) (*RoutedMessage, error) {
	user, ok := gateway.User(req.Username)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSender, req.Username)
	}
	text, err := req.ShortMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	dc := coding.BestCoding(text)
	rec.Encoding, rec.Parts = dc.String(), coding.CountParts(text)

	or, ok := gateway.Routing().MT.RouteFor(routing.NewRoutableSubmitSm(submitSM(req, text), user))
	if !ok {
		return nil, ErrNoRoute
	}
	rec.RouteOrder, rec.Route = or.Order, or.Route.Label()

	var bill *routing.Bill
	if br, ok := or.Route.(routing.BillableRoute); ok {
		bill, err = br.BillFor(user)
		if err != nil {
			return nil, err
		}
		bill = bill.Scale(rec.Parts)
		if err := gateway.Accountant.Charge(ctx, user, bill); err != nil {
			return nil, err
		}
		rec.BillID = bill.BID
	}

	msg, err := gateway.dispatch(ctx, routing.DirectionMT, req, or, text, rec)
	if err != nil {
		if bill != nil {
			gateway.Accountant.Refund(ctx, user, bill)
		}
		return nil, err
	}

	if bill != nil {
		// the broker confirmation stands in for the connector's submit_sm_resp
		if err := gateway.Accountant.ChargeResp(ctx, user, bill); err != nil {
			logf := LoggingFormat{Type: LogType.Accounting, Function: "routeSubmitSM", Level: logrus.WarnLevel, Error: err, TransactionID: req.LogID, Message: "submit_sm_resp charge failed"}
			logf.Print()
		}
		msg.BillID, msg.Billed = bill.BID, bill.TotalAmounts()
		rec.Billed = bill.TotalAmounts()
	}
	return msg, nil
}

// RouteDeliverSM routes an MO request received on a connector.
func (gateway *Gateway) RouteDeliverSM(ctx context.Context, req *RouteRequest) (*RoutedMessage, error) {
	req.ensureLogID()
	rec := RouteRecord{
		LogID:       req.LogID,
		Direction:   string(routing.DirectionMO),
		Source:      req.Source,
		Destination: req.Destination,
	}
	logf := LoggingFormat{Type: LogType.Routing, Function: "RouteDeliverSM", TransactionID: req.LogID}
	logf.AddField("connector", req.Connector)
	logf.AddField("to", req.Destination)

	msg, err := gateway.routeDeliverSM(ctx, req, &rec)
	gateway.finish(routing.DirectionMO, &rec, &logf, msg, err)
	return msg, err
}

func (gateway *Gateway) routeDeliverSM(ctx context.Context, req *RouteRequest, rec *RouteRecord) (*RoutedMessage, error) {
	from, err := gateway.connectorFor(req)
	if err != nil {
		return nil, err
	}
	text, err := req.ShortMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	rec.Encoding, rec.Parts = coding.BestCoding(text).String(), coding.CountParts(text)

	or, ok := gateway.Routing().MO.RouteFor(routing.NewRoutableDeliverSm(deliverSM(req, text), from))
	if !ok {
		return nil, ErrNoRoute
	}
	rec.RouteOrder, rec.Route = or.Order, or.Route.Label()
	return gateway.dispatch(ctx, routing.DirectionMO, req, or, text, rec)
}

// dispatch publishes to the route's connector. Failover routes move on to
// their next connector when publishing fails, other routes get one attempt.
func (gateway *Gateway) dispatch(ctx context.Context, d routing.Direction, req *RouteRequest, or routing.OrderedRoute, text string, rec *RouteRecord) (*RoutedMessage, error) {
	route := or.Route
	rw, failover := route.(routing.Rewindable)
	if failover {
		route = rw.Rewound()
	}

	for {
		c, ok := route.Connector()
		if !ok {
			return nil, ErrConnectorsExhausted
		}
		rec.Attempts++
		rec.Connector = c.String()
		if rec.Attempts > 1 {
			gateway.Metrics.ObserveFailover(d)
		}

		msg, err := newRoutedMessage(req, d, or, c, text)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}

		err = gateway.Publisher.Publish(ctx, connectorQueue(d, c), body)
		if err == nil {
			return msg, nil
		}

		logf := LoggingFormat{Type: LogType.Dispatch, Function: "dispatch", Level: logrus.WarnLevel, Error: err, TransactionID: req.LogID, Message: "publish to connector failed"}
		logf.AddField("connector", c.String())
		logf.AddField("attempt", rec.Attempts)
		logf.Print()

		if !failover || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConnectorsExhausted, c, err)
		}
	}
}

func (gateway *Gateway) finish(d routing.Direction, rec *RouteRecord, logf *LoggingFormat, msg *RoutedMessage, err error) {
	outcome := outcomeOf(err)
	rec.Outcome = outcome
	gateway.Metrics.ObserveDecision(d, rec.Route, outcome)

	logf.AddField("outcome", outcome)
	if rec.Route != "" {
		logf.AddField("route", rec.Route)
		logf.AddField("order", rec.RouteOrder)
	}
	if err != nil {
		rec.Error = err.Error()
		logf.Error = err
		logf.Level = logrus.WarnLevel
		logf.Message = "message not routed"
	} else {
		logf.AddField("connector", msg.Connector)
		logf.Level = logrus.InfoLevel
		logf.Message = "message routed"
	}
	logf.Print()

	rec.RoutedAt = time.Now().UTC()
	gateway.queueRecord(*rec)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeRouted
	case errors.Is(err, ErrNoRoute):
		return OutcomeNoRoute
	case errors.Is(err, ErrConnectorsExhausted):
		return OutcomeExhausted
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrSubmitSmCountExhausted),
		errors.Is(err, ErrUnknownSender), errors.Is(err, ErrInvalidRequest):
		return OutcomeRejected
	}
	return OutcomeFailed
}
