package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"smpp-routing-gw/routing"
	"smpp-routing-gw/smpp/coding"
)

const (
	QueueSubmitSM  = "submit.sm"
	QueueDeliverSM = "deliver.sm"
)

// connectorQueue names the queue a connector consumes routed messages from.
func connectorQueue(d routing.Direction, c routing.Connector) string {
	if d == routing.DirectionMO {
		return QueueDeliverSM + "." + c.CID
	}
	return QueueSubmitSM + "." + c.CID
}

// RouteRequest is a message waiting for a routing decision. MT requests name
// the submitting user, MO requests the connector they arrived on.
type RouteRequest struct {
	LogID         string    `json:"log_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	Connector     string    `json:"connector,omitempty"`
	ConnectorType string    `json:"connector_type,omitempty"`
	Source        string    `json:"source_addr"`
	Destination   string    `json:"destination_addr"`
	Text          string    `json:"text,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	DataCoding    byte      `json:"data_coding,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// ShortMessage returns the text of the request, decoding Payload when no text
// was given.
func (req *RouteRequest) ShortMessage() (string, error) {
	if req.Text != "" || len(req.Payload) == 0 {
		return req.Text, nil
	}
	return coding.Decode(req.Payload, coding.DataCoding(req.DataCoding))
}

func (req *RouteRequest) ensureLogID() {
	if strings.TrimSpace(req.LogID) == "" {
		req.LogID = uuid.NewString()
	}
}

// RoutedMessage is what a connector queue receives.
type RoutedMessage struct {
	MessageID     string    `json:"message_id"`
	LogID         string    `json:"log_id"`
	Direction     string    `json:"direction"`
	Connector     string    `json:"connector"`
	ConnectorType string    `json:"connector_type"`
	URL           string    `json:"url,omitempty"`
	Method        string    `json:"method,omitempty"`
	Route         string    `json:"route"`
	Order         int       `json:"order"`
	Username      string    `json:"username,omitempty"`
	Source        string    `json:"source_addr"`
	Destination   string    `json:"destination_addr"`
	Text          string    `json:"text"`
	DataCoding    byte      `json:"data_coding"`
	Segments      [][]byte  `json:"segments,omitempty"`
	BillID        string    `json:"bill_id,omitempty"`
	Billed        float64   `json:"billed,omitempty"`
	RoutedAt      time.Time `json:"routed_at"`
}

func newRoutedMessage(req *RouteRequest, d routing.Direction, or routing.OrderedRoute, c routing.Connector, text string) (*RoutedMessage, error) {
	dc := coding.BestCoding(text)
	msg := &RoutedMessage{
		MessageID:     uuid.NewString(),
		LogID:         req.LogID,
		Direction:     string(d),
		Connector:     c.CID,
		ConnectorType: string(c.Type),
		Route:         or.Route.Label(),
		Order:         or.Order,
		Username:      req.Username,
		Source:        req.Source,
		Destination:   req.Destination,
		Text:          text,
		DataCoding:    byte(dc),
		RoutedAt:      time.Now().UTC(),
	}
	if c.Type == routing.ConnectorHTTP {
		msg.URL, msg.Method = c.BaseURL, c.Method
		return msg, nil
	}
	for _, part := range coding.SplitWith(text, dc) {
		b, err := coding.Encode(part, dc)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", dc, err)
		}
		msg.Segments = append(msg.Segments, b)
	}
	return msg, nil
}
