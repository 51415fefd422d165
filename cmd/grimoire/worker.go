package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"grimoire/collab/internal/app"
	"grimoire/collab/internal/config"
	"grimoire/collab/internal/history"
	"grimoire/collab/internal/metrics"
	"grimoire/collab/internal/reconcile"
	"grimoire/collab/internal/relay"
)

func newWorkerCommand() *cobra.Command {
	var metricsAddr string
	var reindex bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume artifact updates and reconcile references",
		Long: `worker reads artifact transitions from the relay stream, rebuilds the
outgoing reference rows of each artifact, propagates title changes to
incoming references and refreshes the search index and history archive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return work(ctx, config.Load(), metricsAddr, reindex)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9102", "address for the Prometheus endpoint, empty to disable")
	cmd.Flags().BoolVar(&reindex, "reindex", false, "rebuild the search index from Postgres before consuming")
	return cmd
}

func work(ctx context.Context, cfg config.Config, metricsAddr string, reindex bool) error {
	pg, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer pg.DB().Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	rc := relayConfig(cfg)
	producer := relay.NewProducer(rdb, rc)
	searchService, closeSearch := newSearchService(cfg, pg)
	defer closeSearch()
	if reindex {
		searchService.ReindexAllFromPG(ctx)
	}

	service := app.New(pg, reconcile.New(pg).RequireNodeIDs(cfg.ReconcileStrictNodeIDs), searchService, history.New(cfg.HistoryDir), producer, cfg.ContentFragment)
	consumer := relay.NewConsumer(rdb, rc, service.ProcessArtifactUpdate)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(ctx)
	})
	if metricsAddr != "" {
		server := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Printf("worker metrics on %s", metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
