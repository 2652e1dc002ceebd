package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstep/internal/api"
	"github.com/samcharles93/kvstep/internal/logger"
	"github.com/samcharles93/kvstep/internal/model"
	"github.com/samcharles93/kvstep/internal/session"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxSessions int64
	)

	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve decoding sessions over HTTP",
		Before: prepare,
		Flags: withCommonFlags(
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-sessions",
				Usage:       "maximum live sessions (0 = unlimited)",
				Value:       16,
				Destination: &maxSessions,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if fileConfig.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = fileConfig.ServerAddress
			}
			if fileConfig.MaxSessions != nil && !cmd.IsSet("max-sessions") {
				maxSessions = int64(*fileConfig.MaxSessions)
			}

			loaded, err := loadModel(ctx, cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			perSession, total := sessionCacheBudget(loaded.cfg, maxSessions)
			log.Info("kv cache budget",
				"per_session", formatBytes(perSession),
				"max_sessions", maxSessions,
				"total", formatBytes(total),
			)
			if mem, ok := systemMemory(); ok && exceedsMemory(total, mem) {
				log.Warn("kv caches for max_sessions exceed physical memory; lower --max-sessions, --max-batch-size or --max-seq-len",
					"total", formatBytes(total),
					"memory", formatBytes(int64(mem)),
				)
			}

			store := session.NewStore(loaded.New, int(maxSessions), log)
			server := api.NewServer(store, loaded.cfg, log)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server",
				"address", addr,
				"weights", loaded.source,
				"max_sessions", maxSessions,
			)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

// sessionCacheBudget returns the KV cache bytes one session allocates and the
// total once maxSessions are live. An unlimited store counts as one session.
func sessionCacheBudget(cfg model.Config, maxSessions int64) (perSession, total int64) {
	perSession = kvCacheBytes(cfg)
	if maxSessions <= 0 {
		return perSession, perSession
	}
	return perSession, perSession * maxSessions
}

func exceedsMemory(total int64, mem uint64) bool {
	return mem > 0 && total > 0 && uint64(total) > mem
}
