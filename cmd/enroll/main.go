// Command enroll obtains the admin certificate from the CA once and writes it
// into the credential cache, so the server starts without contacting the CA.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"vehicles.ledger/vtrack/internal/config"
	"vehicles.ledger/vtrack/internal/credstore"
	"vehicles.ledger/vtrack/internal/enroll"
	"vehicles.ledger/vtrack/internal/logger"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Value: "config/vehicles.json",
		Usage: "path to the JSON config file",
	},
	&cli.BoolFlag{
		Name:  "purge",
		Value: false,
		Usage: "empty the credential cache before enrolling",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: 30 * time.Second,
		Usage: "how long to wait for the CA",
	},
}

func main() {
	app := &cli.App{
		Name:  "enroll",
		Usage: "Enroll the admin identity and cache its certificate",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			log := logger.Setup(&logger.Options{Service: "enroll"})

			cfgStore, err := config.Load(cCtx.String("config"))
			if err != nil {
				return err
			}
			if err := cfgStore.Check(); err != nil {
				return err
			}
			cfg := cfgStore.Current()

			kvs, err := credstore.New(cfg.KVSPath)
			if err != nil {
				return err
			}
			if cCtx.Bool("purge") {
				if err := kvs.Purge(); err != nil {
					return err
				}
				log.Info("credential cache emptied", "path", kvs.Path())
			}

			ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration("timeout"))
			defer cancel()

			authority := enroll.NewHTTPAuthority(&http.Client{Timeout: cCtx.Duration("timeout")})
			mgr := enroll.NewManager(log, kvs, authority, func() enroll.Request {
				return enroll.Request{
					URL:          cfg.CA.URL,
					CAName:       cfg.CA.Name,
					EnrollID:     cfg.CA.EnrollID,
					EnrollSecret: cfg.CA.EnrollSecret,
					MSPID:        cfg.CA.MSPID,
				}
			})
			id, err := mgr.Enroll(ctx, 1)
			if err != nil {
				return err
			}

			cert := id.Certificate()
			log.Info("enrolled",
				"enroll_id", id.EnrollID(),
				"msp_id", id.MSPID(),
				"public_key", id.PublicKeyHex(),
				"expires", cert.NotAfter.Format(time.RFC3339),
				"cache", kvs.Path(),
			)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "enroll: %v\n", err)
		os.Exit(1)
	}
}
