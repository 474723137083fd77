package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smpp-routing-gw/routing"
	"smpp-routing-gw/smpp/coding"
)

func mtRequest(username, to, text string) *RouteRequest {
	return &RouteRequest{Username: username, Source: "1000", Destination: to, Text: text}
}

func moRequest(connector, to, text string) *RouteRequest {
	return &RouteRequest{Connector: connector, Source: "33600000000", Destination: to, Text: text}
}

func quota(t *testing.T, gateway *Gateway, username string, key routing.QuotaKey) routing.Quota {
	t.Helper()
	u, ok := gateway.User(username)
	require.True(t, ok)
	return u.MtCredential.Quota(key)
}

func setQuota(t *testing.T, gateway *Gateway, username string, key routing.QuotaKey, q routing.Quota) {
	t.Helper()
	u, ok := gateway.User(username)
	require.True(t, ok)
	require.NoError(t, u.MtCredential.SetQuota(key, q))
}

func TestRouteSubmitSMFailoverRoute(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)

	msg, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", "hello"))
	require.NoError(t, err)

	assert.Equal(t, []string{"submit.sm.abc"}, pub.queues())
	assert.Equal(t, "abc", msg.Connector)
	assert.Equal(t, routing.FailoverMTRouteType, msg.Route)
	assert.Equal(t, 20, msg.Order)
	assert.Equal(t, "mt", msg.Direction)
	assert.NotEmpty(t, msg.LogID)
	assert.NotEmpty(t, msg.BillID)
	assert.InDelta(t, 1.5, msg.Billed, 1e-9)
	require.Len(t, msg.Segments, 1)
	assert.Equal(t, []byte("hello"), msg.Segments[0])

	assert.InDelta(t, 8.5, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)
	assert.Equal(t, 4.0, quota(t, gateway, "alice", routing.QuotaSubmitSmCount).Value)

	var sent RoutedMessage
	require.NoError(t, json.Unmarshal(pub.sent[0].body, &sent))
	assert.Equal(t, msg.MessageID, sent.MessageID)
	assert.Equal(t, "33612345678", sent.Destination)
}

func TestRouteSubmitSMFailsOver(t *testing.T) {
	pub := newFakePublisher("submit.sm.abc")
	gateway := newTestGateway(t, pub)
	gateway.RecordChan = make(chan RouteRecord, 4)

	msg, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", "hello"))
	require.NoError(t, err)

	assert.Equal(t, []string{"submit.sm.abc", "submit.sm.def"}, pub.attempts)
	assert.Equal(t, "def", msg.Connector)
	assert.Equal(t, string(routing.ConnectorGeneric), msg.ConnectorType)

	rec := <-gateway.RecordChan
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, OutcomeRouted, rec.Outcome)
	assert.Equal(t, "generic(def)", rec.Connector)
	assert.Equal(t, "test", rec.ServerID)

	// the next message starts over at the first connector
	pub.fail = map[string]bool{}
	msg, err = gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", "again"))
	require.NoError(t, err)
	assert.Equal(t, "abc", msg.Connector)
}

func TestRouteSubmitSMExhaustedRefunds(t *testing.T) {
	pub := newFakePublisher("submit.sm.abc", "submit.sm.def")
	gateway := newTestGateway(t, pub)
	gateway.RecordChan = make(chan RouteRecord, 4)

	_, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", "hello"))
	require.ErrorIs(t, err, ErrConnectorsExhausted)

	assert.Equal(t, []string{"submit.sm.abc", "submit.sm.def"}, pub.attempts)
	assert.Empty(t, pub.sent)
	assert.InDelta(t, 10.0, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)
	assert.Equal(t, 5.0, quota(t, gateway, "alice", routing.QuotaSubmitSmCount).Value)

	rec := <-gateway.RecordChan
	assert.Equal(t, OutcomeExhausted, rec.Outcome)
	assert.NotEmpty(t, rec.Error)
	assert.Zero(t, rec.Billed)
}

func TestRouteSubmitSMStaticRouteSingleAttempt(t *testing.T) {
	pub := newFakePublisher("submit.sm.web")
	gateway := newTestGateway(t, pub)

	_, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "4412345", "hello"))
	require.ErrorIs(t, err, ErrConnectorsExhausted)
	assert.Equal(t, []string{"submit.sm.web"}, pub.attempts)
	assert.InDelta(t, 10.0, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)
}

func TestRouteSubmitSMHTTPConnector(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)

	msg, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "4412345", "hello"))
	require.NoError(t, err)

	assert.Equal(t, []string{"submit.sm.web"}, pub.queues())
	assert.Equal(t, routing.StaticMTRouteType, msg.Route)
	assert.Equal(t, "http://127.0.0.1:8080/send", msg.URL)
	assert.Equal(t, "POST", msg.Method)
	assert.Nil(t, msg.Segments)
	assert.InDelta(t, 9.5, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)
}

func TestRouteSubmitSMDefaultRoute(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)

	msg, err := gateway.RouteSubmitSM(context.Background(), mtRequest("bob", "4412345", "hello"))
	require.NoError(t, err)
	assert.Equal(t, routing.DefaultRouteType, msg.Route)
	assert.Equal(t, 0, msg.Order)
	assert.Equal(t, "abc", msg.Connector)
	assert.Zero(t, msg.Billed)
}

func TestRouteSubmitSMMultipart(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)

	msg, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", strings.Repeat("a", 200)))
	require.NoError(t, err)

	assert.Len(t, msg.Segments, 2)
	assert.InDelta(t, 3.0, msg.Billed, 1e-9)
	assert.InDelta(t, 7.0, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)
	assert.Equal(t, 3.0, quota(t, gateway, "alice", routing.QuotaSubmitSmCount).Value)
}

func TestRouteSubmitSMUCS2(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)

	msg, err := gateway.RouteSubmitSM(context.Background(), mtRequest("bob", "4412345", "привет"))
	require.NoError(t, err)
	assert.Equal(t, byte(coding.UCS2), msg.DataCoding)
	require.Len(t, msg.Segments, 1)
	assert.Len(t, msg.Segments[0], 12)
}

func TestRouteSubmitSMPayload(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)

	payload, err := coding.Encode("hello", coding.UCS2)
	require.NoError(t, err)
	req := &RouteRequest{Username: "bob", Destination: "4412345", Payload: payload, DataCoding: byte(coding.UCS2)}

	msg, err := gateway.RouteSubmitSM(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, byte(coding.GSM7), msg.DataCoding)

	req = &RouteRequest{Username: "bob", Destination: "4412345", Payload: []byte{0x00}, DataCoding: byte(coding.UCS2)}
	_, err = gateway.RouteSubmitSM(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRouteSubmitSMEarlyDecrement(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)
	setQuota(t, gateway, "alice", routing.QuotaEarlyDecrementBalancePercent, routing.Limit(50))

	msg, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", "hello"))
	require.NoError(t, err)
	assert.InDelta(t, 1.5, msg.Billed, 1e-9)
	assert.InDelta(t, 8.5, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)
}

func TestRouteSubmitSMConcurrentSameUser(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)
	setQuota(t, gateway, "alice", routing.QuotaBalance, routing.Limit(6))
	setQuota(t, gateway, "alice", routing.QuotaSubmitSmCount, routing.Unlimited())
	setQuota(t, gateway, "alice", routing.QuotaEarlyDecrementBalancePercent, routing.Limit(50))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", "hello"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	routed := 0
	for err := range errs {
		if err == nil {
			routed++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	}
	assert.Equal(t, 4, routed)
	assert.Len(t, pub.queues(), routed)
	assert.InDelta(t, 0.0, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)

	u, _ := gateway.User("alice")
	assert.Zero(t, gateway.Accountant.Reserved(u))
}

func TestRouteSubmitSMRejected(t *testing.T) {
	t.Run("unknown user", func(t *testing.T) {
		pub := newFakePublisher()
		gateway := newTestGateway(t, pub)
		_, err := gateway.RouteSubmitSM(context.Background(), mtRequest("carol", "33612345678", "hello"))
		assert.ErrorIs(t, err, ErrUnknownSender)
		assert.Empty(t, pub.attempts)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		pub := newFakePublisher()
		gateway := newTestGateway(t, pub)
		setQuota(t, gateway, "alice", routing.QuotaBalance, routing.Limit(1))

		_, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", "hello"))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Empty(t, pub.attempts)
		assert.Equal(t, 5.0, quota(t, gateway, "alice", routing.QuotaSubmitSmCount).Value)
	})

	t.Run("submit_sm count exhausted", func(t *testing.T) {
		pub := newFakePublisher()
		gateway := newTestGateway(t, pub)
		setQuota(t, gateway, "alice", routing.QuotaSubmitSmCount, routing.Limit(0))

		_, err := gateway.RouteSubmitSM(context.Background(), mtRequest("alice", "33612345678", "hello"))
		assert.ErrorIs(t, err, ErrSubmitSmCountExhausted)
		assert.Empty(t, pub.attempts)
		assert.InDelta(t, 10.0, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)
	})
}

func TestRouteDeliverSM(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)
	gateway.RecordChan = make(chan RouteRecord, 4)

	msg, err := gateway.RouteDeliverSM(context.Background(), moRequest("abc", "1000", "reply"))
	require.NoError(t, err)
	assert.Equal(t, []string{"deliver.sm.web"}, pub.queues())
	assert.Equal(t, "mo", msg.Direction)
	assert.Equal(t, routing.StaticMORouteType, msg.Route)
	assert.Empty(t, msg.BillID)

	rec := <-gateway.RecordChan
	assert.Equal(t, "mo", rec.Direction)
	assert.Equal(t, OutcomeRouted, rec.Outcome)
}

func TestRouteDeliverSMNoRoute(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)

	_, err := gateway.RouteDeliverSM(context.Background(), moRequest("def", "1000", "reply"))
	assert.ErrorIs(t, err, ErrNoRoute)

	// connectors missing from the routes file route by id and type
	_, err = gateway.RouteDeliverSM(context.Background(), &RouteRequest{Connector: "ghi", ConnectorType: "smppc", Destination: "1000", Text: "x"})
	assert.ErrorIs(t, err, ErrNoRoute)
	_, err = gateway.RouteDeliverSM(context.Background(), &RouteRequest{Connector: "zzz", ConnectorType: "pigeon", Destination: "1000", Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = gateway.RouteDeliverSM(context.Background(), moRequest("", "1000", "reply"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, 2.0, gateway.Metrics.decision[decisionKey{direction: "mo", route: "none", outcome: OutcomeNoRoute}])
	assert.Equal(t, 2.0, gateway.Metrics.decision[decisionKey{direction: "mo", route: "none", outcome: OutcomeRejected}])
}

func TestResolveMTHasNoSideEffects(t *testing.T) {
	pub := newFakePublisher()
	gateway := newTestGateway(t, pub)

	res, err := gateway.ResolveMT(mtRequest("alice", "33612345678", strings.Repeat("é", 80)))
	require.NoError(t, err)
	assert.Equal(t, 20, res.Route.Order)
	assert.Equal(t, "abc", res.Connector.CID)
	assert.Equal(t, coding.GSM7, res.Coding)
	assert.Equal(t, 1, res.Parts)
	require.NotNil(t, res.Bill)
	assert.InDelta(t, 1.5, res.Bill.TotalAmounts(), 1e-9)

	res, err = gateway.ResolveMT(mtRequest("alice", "33612345678", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Connector.CID)

	assert.Empty(t, pub.attempts)
	assert.InDelta(t, 10.0, quota(t, gateway, "alice", routing.QuotaBalance).Value, 1e-9)

	_, err = gateway.ResolveMT(mtRequest("carol", "33612345678", "hello"))
	assert.ErrorIs(t, err, ErrUnknownSender)
}

func TestGatewaySetRoutingKeepsUsers(t *testing.T) {
	gateway := newTestGateway(t, newFakePublisher())
	setQuota(t, gateway, "alice", routing.QuotaBalance, routing.Limit(3))

	next, err := ParseRoutingConfig([]byte("connectors:\n  - {id: zzz}\nmt_routes:\n  - {order: 0, type: DefaultRoute, connector: zzz, rate: 0.0}"))
	require.NoError(t, err)
	gateway.SetRouting(next)

	assert.Equal(t, 1, gateway.Routing().MT.Len())
	assert.Equal(t, 2, gateway.UserCount())
	assert.Equal(t, 3.0, quota(t, gateway, "alice", routing.QuotaBalance).Value)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeRouted, outcomeOf(nil))
	assert.Equal(t, OutcomeNoRoute, outcomeOf(ErrNoRoute))
	assert.Equal(t, OutcomeExhausted, outcomeOf(ErrConnectorsExhausted))
	assert.Equal(t, OutcomeRejected, outcomeOf(ErrInsufficientBalance))
	assert.Equal(t, OutcomeRejected, outcomeOf(ErrUnknownSender))
	assert.Equal(t, OutcomeFailed, outcomeOf(routing.ErrInvalidRouteParameter))
}
