package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/meidoworks/nekoq-replicator/config"
	"github.com/meidoworks/nekoq-replicator/internal/coordinator"
	"github.com/meidoworks/nekoq-replicator/internal/httpserver"
	"github.com/meidoworks/nekoq-replicator/internal/service"
	"github.com/meidoworks/nekoq-replicator/internal/storage"
	"github.com/meidoworks/nekoq-replicator/logging"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "replicator.toml", "-config=replicator.toml")
}

func main() {
	flag.Parse()
	log := logging.Component("main")

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalln("load config:", err)
	}
	if err := logging.Setup(cfg.Main.LogLevel, cfg.Main.Debug, nil); err != nil {
		log.Fatalln("setup logging:", err)
	}
	if cfg.Main.LogFolder != "" {
		if err := logging.EnableFileOutput(cfg.Resolve(cfg.Main.LogFolder), cfg.Main.LogRetentionDays); err != nil {
			log.Fatalln("setup log files:", err)
		}
	}

	// init gops
	if cfg.Main.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalln(err)
		}
	}

	co := coordinator.New(cfg)
	if err := co.Initialize(context.Background()); err != nil {
		log.Fatalln("initialize replicator:", err)
	}
	co.Start()

	admin := service.NewHttpServiceContainer(httpserver.NewHttpServer(cfg.Admin.Listen)).
		SetupAdmin(service.NewAdminService(co.Catalog(), co.Lazy(), cfg.Admin.Password))
	if err := admin.Startup(); err != nil {
		log.Fatalln("start admin endpoint:", err)
	}
	if cfg.Admin.Password == "" {
		log.Warnln("admin endpoint has no password")
	}

	services := service.NewHttpServiceContainer(httpserver.NewHttpServer(cfg.Service.Listen)).
		SetupDml(service.NewDmlService(co.Catalog(), co.Manager(), co.Executor()))
	if err := services.Startup(); err != nil {
		log.Fatalln("start service endpoint:", err)
	}

	var resp *service.Resp2Service
	if cfg.Service.RespListen != "" {
		kv, err := storage.NewDiskvStorage(cfg.Resolve(cfg.Service.RespDataFolder))
		if err != nil {
			log.Fatalln("open resp data folder:", err)
		}
		resp = service.NewResp2Service(&service.RespServiceConfig{
			Addr: cfg.Service.RespListen,
		})
		service.NewRespKVHandler(kv).Register(resp)
		if err := resp.Startup(); err != nil {
			log.Fatalln("start resp endpoint:", err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infoln("signal received:", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := services.Stop(ctx); err != nil {
		log.Warnln("stop service endpoint:", err)
	}
	if err := admin.Stop(ctx); err != nil {
		log.Warnln("stop admin endpoint:", err)
	}
	if resp != nil {
		if err := resp.Close(); err != nil {
			log.Warnln("stop resp endpoint:", err)
		}
	}
	if err := co.Close(); err != nil {
		log.Errorln("close replicator:", err)
	}
}
