package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kataras/iris/v12"
	"github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"

	"smpp-routing-gw/routing"
)

// WebServer is the diagnostics API over the gateway's routing state.
type WebServer struct {
	gateway *Gateway
	apiKey  string
	// reload rereads the routes file and users, nil when reloading is off.
	reload func(ctx context.Context) error
	app    *iris.Application
}

func NewWebServer(gateway *Gateway, apiKey string, reload func(ctx context.Context) error) *WebServer {
	s := &WebServer{gateway: gateway, apiKey: apiKey, reload: reload}
	s.app = s.newApp()
	return s
}

func (s *WebServer) newApp() *iris.Application {
	app := iris.New()
	app.Logger().SetLevel("warn")

	api := app.Party("/", s.basicAuthMiddleware)
	api.Get("/health", webHealthCheck)
	api.Get("/routes/mt", s.webRoutes(routing.DirectionMT))
	api.Get("/routes/mo", s.webRoutes(routing.DirectionMO))
	api.Post("/routes/mt/resolve", s.webResolveMT)
	api.Post("/routes/reload", s.webReload)
	api.Get("/users/{username}", s.webUser)
	return app
}

// Listen serves on addr until ctx is done, unwrapping the PROXY protocol
// header first when proxyProtocol is set.
func (s *WebServer) Listen(ctx context.Context, addr string, proxyProtocol bool) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if proxyProtocol {
		l = &proxyproto.Listener{Listener: l}
	}

	go func() {
		<-ctx.Done()
		_ = s.app.Shutdown(context.Background())
	}()
	return s.app.Run(iris.Listener(l), iris.WithoutServerError(iris.ErrServerClosed))
}

// basicAuthMiddleware expects the API key as the basic auth password.
func (s *WebServer) basicAuthMiddleware(ctx iris.Context) {
	if s.apiKey == "" {
		logf := LoggingFormat{
			Type:    "middleware_auth",
			Level:   logrus.ErrorLevel,
			Message: "API_KEY environment variable not set",
		}
		logf.Print()

		ctx.StatusCode(http.StatusInternalServerError)
		ctx.WriteString("Internal Server Error")
		return
	}

	if ctx.GetHeader("Authorization") == "" {
		unauthorized(ctx, "Authorization header missing")
		return
	}
	_, apiKey, ok := ctx.Request().BasicAuth()
	if !ok {
		unauthorized(ctx, "Invalid Authorization header format")
		return
	}
	if apiKey != s.apiKey {
		unauthorized(ctx, "Invalid API key")
		return
	}

	ctx.Next()
}

// unauthorized responds with a 401 status and a WWW-Authenticate header
func unauthorized(ctx iris.Context, message string) {
	logf := LoggingFormat{
		Type:    "middleware_auth",
		Level:   logrus.WarnLevel,
		Message: message,
	}
	logf.AddField("client_ip", ctx.RemoteAddr())
	logf.Print()

	ctx.Header("WWW-Authenticate", `Basic realm="Restricted"`)
	ctx.StatusCode(http.StatusUnauthorized)
	ctx.WriteString("Unauthorized")
}

func webHealthCheck(ctx iris.Context) {
	ctx.StatusCode(http.StatusOK)
	ctx.WriteString("OK")
}

type routeView struct {
	Order      int      `json:"order"`
	Type       string   `json:"type"`
	Display    string   `json:"display"`
	Rate       float64  `json:"rate"`
	Connectors []string `json:"connectors"`
	Filters    []string `json:"filters"`
}

func viewRoute(or routing.OrderedRoute) routeView {
	v := routeView{
		Order:   or.Order,
		Type:    or.Route.Label(),
		Display: or.Route.String(),
		Rate:    or.Route.Rate(),
	}
	for _, c := range or.Route.Connectors() {
		v.Connectors = append(v.Connectors, c.String())
	}
	for _, f := range or.Route.Filters() {
		v.Filters = append(v.Filters, f.String())
	}
	return v
}

func (s *WebServer) webRoutes(d routing.Direction) iris.Handler {
	return func(ctx iris.Context) {
		rc := s.gateway.Routing()
		table := rc.MT
		if d == routing.DirectionMO {
			table = rc.MO
		}
		views := make([]routeView, 0, table.Len())
		for _, or := range table.Routes() {
			views = append(views, viewRoute(or))
		}
		_ = ctx.JSON(views)
	}
}

type resolveResponse struct {
	Order     int                `json:"order"`
	Route     string             `json:"route"`
	Connector string             `json:"connector"`
	Coding    string             `json:"coding"`
	Parts     int                `json:"parts"`
	BillID    string             `json:"bill_id,omitempty"`
	Total     float64            `json:"total"`
	Amounts   map[string]float64 `json:"amounts,omitempty"`
	Actions   map[string]int     `json:"actions,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *WebServer) webResolveMT(ctx iris.Context) {
	var req RouteRequest
	if err := ctx.ReadJSON(&req); err != nil {
		ctx.StatusCode(http.StatusBadRequest)
		_ = ctx.JSON(errorResponse{Error: err.Error()})
		return
	}

	res, err := s.gateway.ResolveMT(&req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrUnknownSender), errors.Is(err, ErrNoRoute):
			status = http.StatusNotFound
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
		}
		ctx.StatusCode(status)
		_ = ctx.JSON(errorResponse{Error: err.Error()})
		return
	}

	resp := resolveResponse{
		Order:     res.Route.Order,
		Route:     res.Route.Route.Label(),
		Connector: res.Connector.String(),
		Coding:    res.Coding.String(),
		Parts:     res.Parts,
	}
	if res.Bill != nil {
		resp.BillID = res.Bill.BID
		resp.Total = res.Bill.TotalAmounts()
		resp.Amounts = res.Bill.Amounts()
		resp.Actions = res.Bill.Actions()
	}
	_ = ctx.JSON(resp)
}

func (s *WebServer) webReload(ctx iris.Context) {
	logf := LoggingFormat{
		Type:    LogType.Web,
		Level:   logrus.InfoLevel,
		Message: "reload requested",
	}
	logf.AddField("client_ip", ctx.RemoteAddr())
	logf.Print()

	if s.reload == nil {
		ctx.StatusCode(http.StatusNotImplemented)
		_ = ctx.JSON(errorResponse{Error: "reload is not configured"})
		return
	}
	if err := s.reload(ctx.Request().Context()); err != nil {
		logf.Level = logrus.ErrorLevel
		logf.Error = err
		logf.Message = "reload failed"
		logf.Print()

		ctx.StatusCode(http.StatusUnprocessableEntity)
		_ = ctx.JSON(errorResponse{Error: err.Error()})
		return
	}

	rc := s.gateway.Routing()
	_ = ctx.JSON(iris.Map{"mt_routes": rc.MT.Len(), "mo_routes": rc.MO.Len(), "users": s.gateway.UserCount()})
}

type userView struct {
	UID      string            `json:"uid"`
	GID      string            `json:"gid"`
	Username string            `json:"username"`
	Quotas   map[string]string `json:"quotas"`
}

func (s *WebServer) webUser(ctx iris.Context) {
	u, ok := s.gateway.User(ctx.Params().Get("username"))
	if !ok {
		ctx.StatusCode(http.StatusNotFound)
		_ = ctx.JSON(errorResponse{Error: "unknown user"})
		return
	}
	v := userView{UID: u.UID, GID: u.Group.GID, Username: u.Username, Quotas: map[string]string{}}
	for key, q := range u.MtCredential.Quotas() {
		v.Quotas[string(key)] = q.String()
	}
	_ = ctx.JSON(v)
}
