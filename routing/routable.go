package routing

import (
	"github.com/M2MGateway/go-smpp/pdu"
)

// Routable is a message plus the context it arrived with: the submitting user
// for MT, the receiving connector for MO.
type Routable interface {
	Direction() Direction
	DestinationAddr() string
	SourceAddr() string
	ShortMessage() string
	User() *User
	Connector() Connector
	PDU() interface{}
	routable()
}

// RoutableSubmitSm is an MT message submitted by a user.
type RoutableSubmitSm struct {
	pdu  *pdu.SubmitSM
	user *User
}

func NewRoutableSubmitSm(p *pdu.SubmitSM, user *User) *RoutableSubmitSm {
	return &RoutableSubmitSm{pdu: p, user: user}
}

func (r *RoutableSubmitSm) Direction() Direction    { return DirectionMT }
func (r *RoutableSubmitSm) DestinationAddr() string { return r.pdu.DestAddr.No }
func (r *RoutableSubmitSm) SourceAddr() string      { return r.pdu.SourceAddr.No }
func (r *RoutableSubmitSm) ShortMessage() string    { return string(r.pdu.Message.Message) }
func (r *RoutableSubmitSm) User() *User             { return r.user }
func (r *RoutableSubmitSm) Connector() Connector    { return Connector{} }
func (r *RoutableSubmitSm) PDU() interface{}        { return r.pdu }
func (r *RoutableSubmitSm) routable()               {}

// RoutableDeliverSm is an MO message received on a connector.
type RoutableDeliverSm struct {
	pdu       *pdu.DeliverSM
	connector Connector
}

func NewRoutableDeliverSm(p *pdu.DeliverSM, c Connector) *RoutableDeliverSm {
	return &RoutableDeliverSm{pdu: p, connector: c}
}

func (r *RoutableDeliverSm) Direction() Direction    { return DirectionMO }
func (r *RoutableDeliverSm) DestinationAddr() string { return r.pdu.DestAddr.No }
func (r *RoutableDeliverSm) SourceAddr() string      { return r.pdu.SourceAddr.No }
func (r *RoutableDeliverSm) ShortMessage() string    { return string(r.pdu.Message.Message) }
func (r *RoutableDeliverSm) User() *User             { return nil }
func (r *RoutableDeliverSm) Connector() Connector    { return r.connector }
func (r *RoutableDeliverSm) PDU() interface{}        { return r.pdu }
func (r *RoutableDeliverSm) routable()               {}
