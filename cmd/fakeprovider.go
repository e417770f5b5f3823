package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/statuswatch/internal/fakeprovider"
	"github.com/okian/statuswatch/pkg/logger"
)

func fakeProviderCmd() *cobra.Command {
	var (
		addr      string
		players   int
		changes   int
		drift     time.Duration
		failEvery int
	)
	cmd := &cobra.Command{
		Use:   "fake-provider",
		Short: "Serve a synthetic injury roster for local runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(); err != nil {
				return err
			}
			log := logger.Get().Named("fake-provider")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s := fakeprovider.NewServer(fakeprovider.NewRoster(players, nil),
				fakeprovider.WithChangesPerStep(changes),
				fakeprovider.WithFailEvery(failEvery),
				fakeprovider.WithLogger(log),
			)
			go s.Drift(ctx, drift)

			srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: readHeaderTimeout}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Info(ctx, "serving roster", logger.String("addr", addr), logger.Int("players", players))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")
	cmd.Flags().IntVar(&players, "players", 60, "Roster size")
	cmd.Flags().IntVar(&changes, "changes", 3, "Players changed per drift step")
	cmd.Flags().DurationVar(&drift, "drift", 0, "Advance the roster on this period; 0 disables")
	cmd.Flags().IntVar(&failEvery, "fail-every", 0, "Answer 503 to every nth roster request")
	return cmd
}
