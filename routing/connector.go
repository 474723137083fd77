package routing

import (
	"fmt"
	"strings"
)

type ConnectorType string

const (
	ConnectorGeneric    ConnectorType = "generic"
	ConnectorSMPPClient ConnectorType = "smppc"
	ConnectorHTTP       ConnectorType = "http"
)

// Connector is a handle to a delivery endpoint. Routes keep copies of it, the
// endpoint itself is owned by configuration.
type Connector struct {
	CID  string
	Type ConnectorType

	// http connectors only
	BaseURL string
	Method  string
}

func NewConnector(cid string) Connector {
	return Connector{CID: cid, Type: ConnectorGeneric}
}

func NewSMPPClientConnector(cid string) Connector {
	return Connector{CID: cid, Type: ConnectorSMPPClient}
}

// NewHTTPConnector builds an http connector, method defaults to GET.
func NewHTTPConnector(cid, baseURL, method string) Connector {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	return Connector{CID: cid, Type: ConnectorHTTP, BaseURL: baseURL, Method: method}
}

// ParseConnectorType maps a configured type name to a ConnectorType.
func ParseConnectorType(s string) (ConnectorType, error) {
	switch ConnectorType(strings.ToLower(strings.TrimSpace(s))) {
	case ConnectorGeneric, "":
		return ConnectorGeneric, nil
	case ConnectorSMPPClient, "smpp":
		return ConnectorSMPPClient, nil
	case ConnectorHTTP:
		return ConnectorHTTP, nil
	}
	return "", fmt.Errorf("%w: unknown connector type %q", ErrInvalidRouteParameter, s)
}

func (c Connector) Equal(other Connector) bool {
	return c.CID == other.CID && c.Type == other.Type
}

func (c Connector) IsZero() bool {
	return c.CID == ""
}

func (c Connector) String() string {
	return fmt.Sprintf("%s(%s)", c.Type, c.CID)
}
