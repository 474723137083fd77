package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"smpp-routing-gw/routing"
)

func main() {
	app := &cli.App{
		Name:  "smpp-routing-gw",
		Usage: "SMPP message routing gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "routes",
				Aliases: []string{"r"},
				Usage:   "routes file",
				EnvVars: []string{"ROUTES_FILE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "route messages from the broker",
				Action: serve,
			},
			{
				Name:   "routes",
				Usage:  "validate the routes file and print the routing tables",
				Action: printRoutesAction,
			},
			{
				Name:  "users",
				Usage: "manage users kept in the database",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "add a user",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "uid", Required: true},
							&cli.StringFlag{Name: "gid"},
							&cli.StringFlag{Name: "username", Required: true},
							&cli.StringFlag{Name: "password", Required: true},
							&cli.StringSliceFlag{Name: "quota", Usage: "key=value, e.g. balance=100.0"},
						},
						Action: addUserAction,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logf := LoggingFormat{Type: LogType.Startup, Level: logrus.FatalLevel, Error: err, Message: "exiting"}
		logf.Print()
		logrus.Exit(1)
	}
	// runs the exit handlers, flushing queued log lines
	logrus.Exit(0)
}

func loadConfig(c *cli.Context) (Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return Config{}, err
	}
	if f := c.String("routes"); f != "" {
		cfg.RoutesFile = f
	}
	setupLogging(cfg)
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logf := LoggingFormat{Type: LogType.Startup, Function: "serve"}

	rc, err := LoadRoutingConfig(cfg.RoutesFile)
	if err != nil {
		return err
	}
	if cfg.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *UserStore
	if cfg.DatabaseEnabled() {
		db, closeDB, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeDB()
		store = NewUserStore(db, cfg.EncryptionKey)
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	}

	broker := NewBroker(cfg.AMQPURL, queuesFor(rc))
	defer broker.Close()

	gateway := NewGateway(cfg.ServerID, rc, broker)
	if store != nil {
		users, err := store.LoadUsers(ctx)
		if err != nil {
			return fmt.Errorf("loading users: %w", err)
		}
		gateway.SetUsers(users)
		gateway.Accountant = NewAccountant(store, gateway.Metrics)
		gateway.RecordChan = make(chan RouteRecord, 1024)
		go gateway.processRouteRecords(ctx, store)
	}

	reload := func(ctx context.Context) error {
		next, err := LoadRoutingConfig(cfg.RoutesFile)
		if err != nil {
			return err
		}
		if err := broker.EnsureQueues(queuesFor(next)); err != nil {
			return err
		}
		users := next.Users
		if store != nil {
			if users, err = store.LoadUsers(ctx); err != nil {
				return err
			}
		}
		gateway.SetRouting(next)
		gateway.SetUsers(users)
		return nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(gateway.Metrics, collectors.NewGoCollector())
	exporter := &PrometheusExporter{Path: "/metrics", Listen: cfg.MetricsListen, Registry: registry}
	go func() {
		if err := exporter.Start(); err != nil {
			logf := LoggingFormat{Type: LogType.Startup, Function: "serve", Error: err, Message: "metrics exporter stopped"}
			logf.Print()
		}
	}()
	defer exporter.Close()

	web := NewWebServer(gateway, cfg.APIKey, reload)
	go func() {
		if err := web.Listen(ctx, cfg.WebListen, cfg.HAProxyProxyProtocol); err != nil {
			logf := LoggingFormat{Type: LogType.Web, Function: "serve", Error: err, Message: "web server stopped"}
			logf.Print()
		}
	}()

	logf.Level = logrus.InfoLevel
	logf.Message = "gateway started"
	logf.AddField("mt_routes", rc.MT.Len())
	logf.AddField("mo_routes", rc.MO.Len())
	logf.AddField("users", gateway.UserCount())
	logf.Print()

	gateway.ConsumeQueues(ctx, broker, cfg.QueueWorkers)
	return nil
}

// queuesFor lists the inbound queues and one outbound queue per connector
// and direction.
func queuesFor(rc *RoutingConfig) []string {
	queues := []string{QueueSubmitSM, QueueDeliverSM}
	ids := make([]string, 0, len(rc.Connectors))
	for id := range rc.Connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := rc.Connectors[id]
		queues = append(queues, connectorQueue(routing.DirectionMT, c), connectorQueue(routing.DirectionMO, c))
	}
	return queues
}

func printRoutesAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	rc, err := LoadRoutingConfig(cfg.RoutesFile)
	if err != nil {
		return err
	}
	printRoutes(c.App.Writer, rc)
	return nil
}

func printRoutes(w io.Writer, rc *RoutingConfig) {
	for _, t := range []struct {
		name  string
		table *routing.Table
	}{{"MT", rc.MT}, {"MO", rc.MO}} {
		fmt.Fprintf(w, "%s routes (%d):\n", t.name, t.table.Len())
		for _, or := range t.table.Routes() {
			fmt.Fprintf(w, "%d\t%s\n", or.Order, strings.ReplaceAll(or.Route.String(), "\n", "\n\t"))
		}
	}
}

func addUserAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !cfg.DatabaseEnabled() {
		return fmt.Errorf("DB_HOST is required to add users")
	}

	u := routing.NewUser(c.String("uid"), routing.Group{GID: c.String("gid")}, c.String("username"), c.String("password"))
	for _, kv := range c.StringSlice("quota") {
		key, literal, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("quota %q: expected key=value", kv)
		}
		q, err := routing.ParseQuota(routing.QuotaKey(key), literal)
		if err != nil {
			return err
		}
		if err := u.MtCredential.SetQuota(routing.QuotaKey(key), q); err != nil {
			return err
		}
	}

	db, closeDB, err := OpenDatabase(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	store := NewUserStore(db, cfg.EncryptionKey)
	if err := store.Migrate(); err != nil {
		return err
	}
	if err := store.AddUser(c.Context, u); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "added %s\n", u)
	return nil
}
