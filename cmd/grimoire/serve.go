package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"grimoire/collab/internal/app"
	"grimoire/collab/internal/blobstore"
	"grimoire/collab/internal/collab"
	"grimoire/collab/internal/config"
	"grimoire/collab/internal/history"
	"grimoire/collab/internal/metrics"
	"grimoire/collab/internal/reconcile"
	"grimoire/collab/internal/relay"
	"grimoire/collab/internal/search"
	"grimoire/collab/internal/session"
	"grimoire/collab/internal/store"
)

func newServeCommand() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration websocket server and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return serve(ctx, config.Load(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations on startup")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, migrate bool) error {
	pg, err := openStore(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	defer pg.DB().Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	sessions := session.NewRedisStoreWithClient(rdb, session.NewPostgresFinder(pg))
	gate := collab.NewGate(sessions)
	producer := relay.NewProducer(rdb, relayConfig(cfg))
	docs := collab.NewDocumentStore(pg, producer, cfg.ContentFragment)

	var archiver collab.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := blobstore.NewReplicaArchive(blobstore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: replica archive disabled: %v", err)
		} else {
			archiver = archive
		}
	}

	fanout := collab.NewFanout(rdb)
	registry := collab.NewRegistry(docs, archiver, fanout, registryConfig(cfg))

	searchService, closeSearch := newSearchService(cfg, pg)
	defer closeSearch()
	service := app.New(pg, reconcile.New(pg).RequireNodeIDs(cfg.ReconcileStrictNodeIDs), searchService, history.New(cfg.HistoryDir), producer, cfg.ContentFragment)

	mux := http.NewServeMux()
	mux.Handle("/collab/", collab.NewServer(gate, registry, cfg.CORSOrigin))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", app.NewHTTPServer(service, gate, cfg.CORSOrigin).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("grimoire listening on %s (fanout origin %s)", cfg.Addr, fanout.Origin())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return fanout.Run(ctx, registry.DeliverRemote)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		registry.Close()
		return nil
	})
	return g.Wait()
}

func newSearchService(cfg config.Config, pg *store.PostgresStore) (*search.Service, func()) {
	pgfts := search.NewPgFTS(pg.DB())
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return search.NewService(nil, pgfts), func() {}
	}
	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	return search.NewService(meili, pgfts), meili.Close
}
