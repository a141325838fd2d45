package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/eigerco/mcad-broker/internal/broker"
	"github.com/eigerco/mcad-broker/pkg/log"
	"github.com/rs/zerolog"
)

// main starts the trace broker daemon.
// go run ./cmd/mcad-broker -host=localhost:9487 -binary-regions=regions.json
func main() {
	host := flag.String("host", broker.DefaultHost, "listen address, ADDR:PORT")
	maxConn := flag.Int("max-accepted-connection", broker.DefaultMaxAcceptedConnections, "max number of connections to accept before exiting, 0 for unbounded")
	regionsPath := flag.String("binary-regions", "", "path to a binary region manifest")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "console", "log format: console, json")
	decodeWidth := flag.Int("decode-width", 4, "fixed instruction width used by the built-in reference decoder")
	mergeAccesses := flag.Bool("merge-adjacent-accesses", true, "merge memory-access records that land on the same decoded instruction")
	flag.Parse()

	level, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	loggerType := log.ConsoleLogger
	if *logFormat == "json" {
		loggerType = log.JSONLogger
	}
	log.Init(log.Options{LogLevel: level, Type: loggerType})

	cfg := broker.Config{
		Host:                   *host,
		MaxAcceptedConnections: *maxConn,
		RegionManifestPath:     *regionsPath,
		MergeAdjacentAccesses:  *mergeAccesses,
		Primary:                broker.ReferenceDecoder{Width: *decodeWidth},
	}

	b := broker.New(cfg)

	if cfg.RegionManifestPath != "" {
		regions, err := broker.LoadRegions(cfg.RegionManifestPath)
		if err != nil {
			log.Region.Warn().Err(err).Msg("failed to load region manifest; running without regions")
		} else {
			b.SetRegions(regions)
			log.Region.Info().Int("count", regions.Len()).Msg("loaded region manifest")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	receiver := broker.NewReceiver(b, cfg.Host, cfg.MaxAcceptedConnections)
	err = receiver.Run(ctx)

	stats := b.CacheStats()
	log.Cache.Info().Int("registered", stats.Registered).Int("decoded", stats.Decoded).Msg("shutting down")

	if err != nil {
		os.Exit(1)
	}
}
