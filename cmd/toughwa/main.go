package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/adminapi"
	"github.com/talkincode/toughwa/internal/app"
	"github.com/talkincode/toughwa/internal/credstore"
	"github.com/talkincode/toughwa/internal/notify"
	"github.com/talkincode/toughwa/internal/queue"
	"github.com/talkincode/toughwa/internal/realtime"
	"github.com/talkincode/toughwa/internal/repository"
	"github.com/talkincode/toughwa/internal/webserver"
	"github.com/talkincode/toughwa/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	version  = "develop"
	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "", "config yaml file")
	initdb   = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	token    = flag.Int64("token", 0, "print an api token for the given tenant id and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version)
		return
	}
	if *h {
		flag.Usage()
		return
	}

	cfg, err := config.LoadConfig(*conffile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *token > 0 {
		s, err := webserver.IssueToken(cfg.Web.Secret, *token, 30*24*time.Hour)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(s)
		return
	}

	cfg.InitDirs()
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		zap.L().Fatal("app init failed", zap.Error(err))
	}
	defer application.Release()

	if *initdb {
		application.InitDb()
		return
	}

	if err := run(application); err != nil {
		zap.L().Error("toughwa exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(application *app.Application) error {
	cfg := application.Config()
	db := application.DB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}
	pool, err := ants.NewPool(cfg.Queue.Workers, ants.WithPanicHandler(func(p interface{}) {
		zap.L().Error("worker pool task panic", zap.Any("panic", p))
	}))
	if err != nil {
		return err
	}
	defer pool.Release()

	customers := repository.NewGormCustomerRepository(db)
	messages := repository.NewGormMessageRepository(db)
	templates := repository.NewGormTemplateRepository(db)
	sysLogs := repository.NewGormSysLogRepository(db)
	notifyLogs := repository.NewGormNotifyLogRepository(db)

	container, err := whatsapp.OpenMeowStore(ctx, db, cfg.Database.Type, cfg.WhatsApp.ClientLogLevel)
	if err != nil {
		return err
	}

	mux := realtime.NewMultiplexer(EventBus.New())
	manager := whatsapp.NewManager(whatsapp.ManagerDeps{
		Creds:   credstore.NewGormStore(db),
		Dialer:  whatsapp.NewMeowDialer(container, cfg.WhatsApp.ClientLogLevel),
		Events:  mux,
		Devices: repository.NewGormDeviceRepository(db),
		Audit:   sysLogs,
	}, whatsapp.Options{
		ReconnectDelay:   cfg.WhatsApp.ReconnectDelay,
		AuthResetDelay:   cfg.WhatsApp.AuthResetDelay,
		ForceReinitDelay: cfg.WhatsApp.ForceReinitDelay,
		LogoutTimeout:    cfg.WhatsApp.LogoutTimeout,
		QRSize:           cfg.WhatsApp.QRSize,
	})
	defer manager.Stop()

	tellme := notify.NewTellMe(cfg.TellMe, notifyLogs)
	var notifier whatsapp.CustomerNotifier
	if tellme.Enabled() {
		if err := tellme.Validate(); err != nil {
			zap.L().Warn("tellme notifier disabled", zap.Error(err))
		} else {
			notifier = tellme
		}
	}
	manager.SetInbound(whatsapp.NewInboundHandler(customers, messages, mux, notifier, pool))

	hub := realtime.NewHub(mux, manager)
	defer hub.Close()

	gateway := whatsapp.NewGateway(manager, messages, mux, ids, cfg.Queue.SendTimeout)
	worker := queue.NewWorker(messages, sysLogs, gateway, manager, pool, cfg.Queue.BatchSize)
	worker.Start(ctx, cfg.Queue.Interval)
	defer worker.Stop()

	campaign := queue.NewCampaign(customers, messages, templates, repository.NewGormCategoryRepository(db),
		ids, cfg.Campaign.MinDelay, cfg.Campaign.MaxDelay)

	webserver.Init(cfg)
	adminapi.Init(&adminapi.Services{
		Sessions:   manager,
		Sender:     gateway,
		Campaign:   campaign,
		Requeuer:   worker,
		Messages:   messages,
		Templates:  templates,
		NotifyLogs: notifyLogs,
		Sockets:    hub,
	})

	if cfg.WhatsApp.ResumeOnStart {
		manager.Resume(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(webserver.Listen)
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("toughwa shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return webserver.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
