// Package main is the entry point for vtrack, the vehicle and part tracking
// demo. It enrolls the admin identity, locates the chaincode, registers the
// configured owners and serves the browser UI over a websocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"vehicles.ledger/vtrack/internal/chaincode"
	"vehicles.ledger/vtrack/internal/commands"
	"vehicles.ledger/vtrack/internal/config"
	"vehicles.ledger/vtrack/internal/credstore"
	"vehicles.ledger/vtrack/internal/docs"
	"vehicles.ledger/vtrack/internal/enroll"
	"vehicles.ledger/vtrack/internal/hub"
	"vehicles.ledger/vtrack/internal/ledger"
	"vehicles.ledger/vtrack/internal/logger"
	"vehicles.ledger/vtrack/internal/monitor"
	"vehicles.ledger/vtrack/internal/session"
	"vehicles.ledger/vtrack/internal/startup"
	"vehicles.ledger/vtrack/internal/types"
	"vehicles.ledger/vtrack/internal/web"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Value: "config/vehicles.json",
		Usage: "path to the JSON config file",
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "",
		Usage: "address to listen on (default: server.host:server.port from the config file)",
	},
	&cli.StringFlag{
		Name:  "ledger",
		Value: "rpc",
		Usage: "ledger backend: 'rpc' or 'memory'",
	},
	&cli.StringFlag{
		Name:  "rpc-addr",
		Value: "",
		Usage: "ledger node JSON-RPC address (default: first peer from the config file)",
	},
	&cli.StringFlag{
		Name:  "docs-dir",
		Value: "docs",
		Usage: "directory with the AsciiDoc help pages",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "vtrack",
		Usage: "add 'service' tag to logs",
	},
}

func main() {
	app := &cli.App{
		Name:   "vtrack",
		Usage:  "Track vehicles and parts on a permissioned ledger",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	logs := logger.NewBuffer(200) // Keep last 200 messages
	log := logger.Setup(&logger.Options{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		UID:     cCtx.Bool("log-uid"),
		Service: cCtx.String("log-service"),
		Version: types.Version,
		Buffer:  logs,
	})
	log.Info("vtrack starting", "build", types.BuildTime)

	cfgStore, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}
	cfg := cfgStore.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Identity
	kvs, err := credstore.New(cfg.KVSPath)
	if err != nil {
		return err
	}
	log.Info("credential cache", "path", kvs.Path())

	var (
		authority enroll.Authority
		gateway   ledger.Gateway
	)
	switch mode := cCtx.String("ledger"); mode {
	case "rpc":
		authority = enroll.NewHTTPAuthority(&http.Client{Timeout: 30 * time.Second})
		rpcAddr := cCtx.String("rpc-addr")
		if rpcAddr == "" {
			rpcAddr = cfg.FirstPeerURL()
		}
		log.Info("Connecting to ledger RPC", "address", rpcAddr)
		gateway = ledger.NewRPCGateway(log.With("component", "ledger"), rpcAddr, ledger.RPCOptions{})
	case "memory":
		local, err := enroll.NewLocalAuthority(cfg.CA.MSPID, map[string]string{cfg.CA.EnrollID: cfg.CA.EnrollSecret}, 0)
		if err != nil {
			return err
		}
		authority = local
		gateway = ledger.NewMemoryGateway()
		log.Warn("running against an in-memory ledger, nothing is persisted")
	default:
		return fmt.Errorf("unknown ledger backend %q", mode)
	}

	enroller := enroll.NewManager(log.With("component", "enroll"), kvs, authority, enrollRequest(cfgStore))
	lib := chaincode.New(log.With("component", "chaincode"), gateway, cfgStore.Current, enroller.Current)

	// Sessions
	sessions, err := session.NewStore(cfg.SessionDB, 0)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()
	secret := cfg.SessionSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("session_secret not set, sessions will not survive a restart")
	}
	resolver, err := session.NewResolver(log.With("component", "session"), sessions, secret, 0)
	if err != nil {
		return err
	}

	// Websocket hub and the startup pipeline
	wsHub := hub.New(log.With("component", "hub"), resolver)
	machine := startup.NewMachine(log.With("component", "startup"), cfgStore, enroller, kvs, lib, wsHub)
	wsHub.Route(machine, commands.New(log.With("component", "commands"), lib, machine))

	poller := monitor.NewPoller(log.With("component", "monitor"), lib, wsHub, machine, func() time.Duration {
		return cfgStore.Current().BlockDelay()
	})

	listenAddr := cCtx.String("listen-addr")
	if listenAddr == "" {
		listenAddr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	}
	srv, err := web.New(&web.Config{
		ListenAddr:               listenAddr,
		Log:                      log,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
	}, web.Deps{
		WS:       http.HandlerFunc(wsHub.ServeWS),
		Sessions: resolver,
		Startup:  machine,
		Logs:     logs,
		Docs:     docs.NewService(log.With("component", "docs"), cCtx.String("docs-dir")),
	})
	if err != nil {
		return err
	}
	srv.RunInBackground()

	go func() {
		if err := machine.Start(ctx); err != nil {
			log.Warn("startup did not finish, waiting for setup from the browser", "err", err)
			return
		}
		log.Info("startup complete")
	}()
	poller.Start(ctx)
	go enroller.KeepAlive(ctx, cfg.KeepAlive())
	go pruneSessions(ctx, log, sessions)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	log.Info("Shutting down...")
	cancel()
	srv.Shutdown()
	wsHub.Close()
	return nil
}

// enrollRequest reads the CA settings fresh on every attempt.
func enrollRequest(cfgStore *config.Store) func() enroll.Request {
	return func() enroll.Request {
		ca := cfgStore.Current().CA
		return enroll.Request{
			URL:          ca.URL,
			CAName:       ca.Name,
			EnrollID:     ca.EnrollID,
			EnrollSecret: ca.EnrollSecret,
			MSPID:        ca.MSPID,
		}
	}
}

func pruneSessions(ctx context.Context, log *slog.Logger, store *session.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune()
			if err != nil {
				log.Warn("session prune failed", "err", err)
				continue
			}
			if n > 0 {
				log.Debug("pruned expired sessions", "n", n)
			}
		}
	}
}
