package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrCodeEU/facegate/pkg/api"
	"github.com/MrCodeEU/facegate/pkg/events"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/metrics"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification engine behind the kiosk HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logging.Component("serve")

		if listenAddr != "" {
			cfg.Server.Listen = listenAddr
		}

		eng, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		opts := api.Options{
			Listen:      cfg.Server.Listen,
			CORSOrigins: cfg.Server.CORSOrigins,
			Version:     Version,
		}
		if cfg.Metrics.Enabled {
			collector := metrics.New(cfg.Metrics.Namespace, true)
			eng.orch.SetRecorder(collector)
			opts.Metrics = collector.Handler()
		}

		publisher := events.NewPublisher(eventsConfig(cfg))
		if publisher.Enabled() {
			// The client reconnects on its own; a broker that is down at
			// startup must not keep the kiosk from serving.
			if err := publisher.Start(); err != nil {
				log.WithError(err).Warn("MQTT broker unavailable, events will be published once connected")
			}
			defer publisher.Stop()
			eng.orch.AddSink(publisher)
		}

		server := api.New(eng.orch, eng.store, opts)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("Shutting down, closing active session")
			eng.orch.Stop()
			return nil
		})

		log.WithFields(logging.Fields{
			"listen":  cfg.Server.Listen,
			"backend": cfg.Recognition.Backend,
			"storage": cfg.Storage.Backend,
			"metrics": cfg.Metrics.Enabled,
			"mqtt":    publisher.Enabled(),
		}).Infof("FaceGate v%s serving", Version)

		if err := g.Wait(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides server.listen)")
	rootCmd.AddCommand(serveCmd)
}
