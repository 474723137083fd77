package routing

import (
	"testing"

	"github.com/M2MGateway/go-smpp/pdu"
	"github.com/stretchr/testify/require"
)

type fixtures struct {
	connector1 Connector
	connector2 Connector
	group100   Group
	user1      *User
	user2      *User

	invalidFilter   []Filter
	simpleFilterMO  []Filter
	simpleFilterMT  []Filter
	simpleFilterAll []Filter
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	f := &fixtures{
		connector1: NewConnector("abc"),
		connector2: NewConnector("def"),
		group100:   Group{GID: "100"},
	}
	f.user1 = NewUser("1", f.group100, "username", "password")
	f.user2 = NewUser("2", f.group100, "username", "password")

	cf, err := NewConnectorFilter(f.connector1)
	require.NoError(t, err)
	uf, err := NewUserFilter(f.user1)
	require.NoError(t, err)
	all, err := NewDestinationAddrFilter(`.*`)
	require.NoError(t, err)

	f.invalidFilter = []Filter{cf, uf}
	f.simpleFilterMO = []Filter{cf}
	f.simpleFilterMT = []Filter{uf}
	f.simpleFilterAll = []Filter{all}
	return f
}

func submitSm(from, to, text string) *pdu.SubmitSM {
	return &pdu.SubmitSM{
		SourceAddr: pdu.Address{TON: 0x01, NPI: 0x01, No: from},
		DestAddr:   pdu.Address{TON: 0x01, NPI: 0x01, No: to},
		Message:    pdu.ShortMessage{Message: []byte(text)},
	}
}

func deliverSm(from, to, text string) *pdu.DeliverSM {
	return &pdu.DeliverSM{
		SourceAddr: pdu.Address{TON: 0x01, NPI: 0x01, No: from},
		DestAddr:   pdu.Address{TON: 0x01, NPI: 0x01, No: to},
		Message:    pdu.ShortMessage{Message: []byte(text)},
	}
}
