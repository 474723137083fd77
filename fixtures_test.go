package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testRoutes = `
connectors:
  - id: abc
    type: generic
  - id: def
    type: generic
  - id: web
    type: http
    base_url: http://127.0.0.1:8080/send
    method: post
users:
  - uid: "1"
    gid: "100"
    username: alice
    password: secret
    quotas:
      balance: "10.0"
      submit_sm_count: "5"
  - uid: "2"
    gid: "100"
    username: bob
    password: secret
filters:
  - id: to33
    type: destination_addr
    pattern: '33\d+'
  - id: alice
    type: user
    uid: "1"
  - id: from-abc
    type: connector
    connector: abc
mt_routes:
  - order: 0
    type: DefaultRoute
    connector: abc
    rate: 0.0
  - order: 20
    type: FailoverMTRoute
    filters: [to33]
    connectors: [abc, def]
    rate: 1.5
  - order: 10
    type: StaticMTRoute
    filters: [alice]
    connector: web
    rate: 0.5
mo_routes:
  - order: 10
    type: StaticMORoute
    filters: [from-abc]
    connector: web
`

func testRoutingConfig(t *testing.T) *RoutingConfig {
	t.Helper()
	rc, err := ParseRoutingConfig([]byte(testRoutes))
	require.NoError(t, err)
	return rc
}

var errPublish = errors.New("broker refused")

type published struct {
	queue string
	body  []byte
}

// fakePublisher records publishes and fails for the queues in fail.
type fakePublisher struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []published
	// attempts counts every call, failed or not
	attempts []string
}

func newFakePublisher(failing ...string) *fakePublisher {
	p := &fakePublisher{fail: map[string]bool{}}
	for _, q := range failing {
		p.fail[q] = true
	}
	return p
}

func (p *fakePublisher) Publish(_ context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = append(p.attempts, queue)
	if p.fail[queue] {
		return errPublish
	}
	p.sent = append(p.sent, published{queue: queue, body: body})
	return nil
}

func (p *fakePublisher) queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.queue)
	}
	return out
}

func newTestGateway(t *testing.T, pub Publisher) *Gateway {
	t.Helper()
	return NewGateway("test", testRoutingConfig(t), pub)
}
