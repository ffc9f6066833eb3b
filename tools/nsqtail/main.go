// Package main implements nsqtail — a command line consumer that
// subscribes to a topic and writes every message body to stdout. It doubles
// as the reference wiring for the client library: supervisor-driven
// reconnects, worker pool sizing, auth, compression, and clean shutdown on
// SIGINT.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tngrm-io/nsq-client-go/nsq"
)

var (
	flagConfig   = flag.String("config", "", "path to a YAML config file (flags override it)")
	flagAddr     = flag.String("addr", "127.0.0.1:4150", "nsqd TCP address")
	flagTopic    = flag.String("topic", "", "topic to subscribe to")
	flagChannel  = flag.String("channel", "tail#ephemeral", "channel to subscribe on")
	flagSecret   = flag.String("secret", "", "AUTH secret (empty when the daemon does not require auth)")
	flagRdy      = flag.Int64("rdy", 50, "delivery credit granted to the daemon")
	flagWorkers  = flag.Int("workers", 1, "worker pool size")
	flagMaxAtt   = flag.Uint("max-attempts", 0, "discard messages delivered this many times (0 keeps retrying)")
	flagSnappy   = flag.Bool("snappy", false, "negotiate snappy stream compression")
	flagDeflate  = flag.Int("deflate", 0, "negotiate deflate stream compression at this level (0 disables)")
	flagHBIvl    = flag.Int64("heartbeat-interval", 30000, "daemon heartbeat interval in milliseconds")
	flagVerbose  = flag.Bool("verbose", false, "log at debug level")
	flagBodyOnly = flag.Bool("body-only", false, "print bare bodies without the id/attempts prefix")
)

// fileConfig mirrors the flags for users who prefer a config file.
type fileConfig struct {
	Addr        string `yaml:"addr"`
	Topic       string `yaml:"topic"`
	Channel     string `yaml:"channel"`
	Secret      string `yaml:"secret"`
	Rdy         int64  `yaml:"rdy"`
	Workers     int    `yaml:"workers"`
	MaxAttempts uint16 `yaml:"max_attempts"`
	Snappy      bool   `yaml:"snappy"`
	Deflate     int    `yaml:"deflate"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	loaded := &fileConfig{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return loaded, nil
}

func flagSetByUser(name string) bool {
	set := false
	flag.Visit(func(current *flag.Flag) {
		if current.Name == name {
			set = true
		}
	})
	return set
}

// tailHandler prints message bodies. Messages past the attempt ceiling are
// discarded so a poison message cannot wedge the tail.
type tailHandler struct {
	logger   *zap.Logger
	bodyOnly bool
}

func (handler *tailHandler) HandleMessage(msg *nsq.Message, ctx *nsq.Context) error {
	if handler.bodyOnly {
		fmt.Printf("%s\n", msg.Body)
	} else {
		fmt.Printf("%s %d %s\n", msg.ID, msg.Attempts, msg.Body)
	}
	ctx.Finish(msg.ID)
	return nil
}

func (handler *tailHandler) OnMaxAttempts(msg *nsq.Message, ctx *nsq.Context) {
	handler.logger.Warn("discarding message past attempt ceiling",
		zap.String("id", msg.ID.String()),
		zap.Uint16("attempts", msg.Attempts))
	ctx.Finish(msg.ID)
}

func (handler *tailHandler) OnClose(ctx *nsq.Context) {
	handler.logger.Info("connection closed")
}

func main() {
	flag.Parse()

	if *flagConfig != "" {
		loaded, err := loadFileConfig(*flagConfig)
		if err != nil {
			log.Fatalf("nsqtail: %v", err)
		}
		applyFileConfig(loaded)
	}

	if *flagTopic == "" {
		log.Fatal("nsqtail: -topic is required")
	}

	zapConfig := zap.NewProductionConfig()
	if *flagVerbose {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("nsqtail: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	config := nsq.NewConfig().
		SetClientID("nsqtail").
		SetUserAgent("nsqtail/" + nsq.ClientVersion).
		SetHeartbeatInterval(*flagHBIvl)
	if *flagSnappy {
		config.SetSnappy()
	}
	if *flagDeflate > 0 {
		config.SetDeflate(*flagDeflate)
	}

	handler := &tailHandler{logger: logger, bodyOnly: *flagBodyOnly}
	sup := nsq.NewSupervisor(*flagTopic, *flagChannel, *flagAddr, *flagWorkers, handler).
		SetConfig(config).
		SetRdy(*flagRdy).
		SetMaxAttempts(uint16(*flagMaxAtt)).
		SetLogger(logger)
	if *flagSecret != "" {
		sup.SetSecret(*flagSecret)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("interrupt, stopping")
		sup.Stop()

		// A second interrupt skips the clean close.
		<-sigChan
		logger.Warn("second interrupt, exiting")
		os.Exit(1)
	}()

	start := time.Now()
	if err := sup.Run(); err != nil {
		logger.Fatal("tail terminated", zap.Error(err))
	}
	logger.Info("done", zap.Duration("uptime", time.Since(start)))
}

// applyFileConfig fills flag values from the file for flags the user did
// not set explicitly.
func applyFileConfig(loaded *fileConfig) {
	if loaded.Addr != "" && !flagSetByUser("addr") {
		*flagAddr = loaded.Addr
	}
	if loaded.Topic != "" && !flagSetByUser("topic") {
		*flagTopic = loaded.Topic
	}
	if loaded.Channel != "" && !flagSetByUser("channel") {
		*flagChannel = loaded.Channel
	}
	if loaded.Secret != "" && !flagSetByUser("secret") {
		*flagSecret = loaded.Secret
	}
	if loaded.Rdy > 0 && !flagSetByUser("rdy") {
		*flagRdy = loaded.Rdy
	}
	if loaded.Workers > 0 && !flagSetByUser("workers") {
		*flagWorkers = loaded.Workers
	}
	if loaded.MaxAttempts > 0 && !flagSetByUser("max-attempts") {
		*flagMaxAtt = uint(loaded.MaxAttempts)
	}
	if loaded.Snappy && !flagSetByUser("snappy") {
		*flagSnappy = true
	}
	if loaded.Deflate > 0 && !flagSetByUser("deflate") {
		*flagDeflate = loaded.Deflate
	}
}
