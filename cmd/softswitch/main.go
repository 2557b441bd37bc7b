// Command softswitch запускает ядро коммутатора: SIP сигнализация,
// медиа-мост, маршрутизация, CDR в AMQP, запись вызовов и метрики.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/softswitch/pkg/call"
	"github.com/arzzra/softswitch/pkg/cdr"
	"github.com/arzzra/softswitch/pkg/config"
	"github.com/arzzra/softswitch/pkg/coordinator"
	"github.com/arzzra/softswitch/pkg/engine"
	"github.com/arzzra/softswitch/pkg/hooks"
	"github.com/arzzra/softswitch/pkg/metrics"
	"github.com/arzzra/softswitch/pkg/recording"
	"github.com/arzzra/softswitch/pkg/router"
	"github.com/arzzra/softswitch/pkg/sip/transport"
	"github.com/arzzra/softswitch/pkg/trunk"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("configuration invalid")
	}
	cfg.ApplyLogging(logger)
	log := logrus.NewEntry(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Метрики поднимаются первыми: скрейп доступен во время старта
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.WithError(err).Error("metrics listener failed")
			}
		}()
		log.WithField("addr", cfg.Metrics.Addr).Info("metrics exposed")
	}

	pool, err := coordinator.NewPortPool(coordinator.PortRange{Min: cfg.Media.RTPPortMin, Max: cfg.Media.RTPPortMax})
	if err != nil {
		log.WithError(err).Fatal("media port pool invalid")
	}
	coord := coordinator.New(pool, log)
	coord.StartEviction(ctx, cfg.Signaling.ExpiryInterval)

	rt := router.New(router.Config{Extensions: coord.ExtensionExists})

	// CDR уходит в AMQP; пока брокер недоступен — буфер в памяти
	sink := cdr.NewAMQPSink(cdr.AMQPConfig{
		URL:            cfg.CDR.AMQPURL,
		QueueName:      cfg.CDR.Queue,
		ReconnectDelay: cfg.CDR.ReconnectDelay,
		Logger:         log,
	})
	defer sink.Close()

	dispatcher := hooks.NewDispatcher(log)
	var recorder *recording.Recorder
	if cfg.Recording.Enabled {
		recorder = recording.New(recording.Config{
			Dir:               cfg.Recording.Dir,
			S3URI:             cfg.Recording.S3URI,
			S3Region:          cfg.Recording.S3Region,
			DeleteAfterUpload: cfg.Recording.DeleteAfterUpload,
			Logger:            log,
		})
		if err := dispatcher.Register(recorder); err != nil {
			log.WithError(err).Fatal("recorder registration failed")
		}
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Fatal("hook dispatcher failed to start")
	}
	defer dispatcher.Shutdown(context.Background())

	// Пробер транков держит таблицу least-cost роутинга свежей
	if len(cfg.Trunks) > 0 {
		ua, err := sipgo.NewUA()
		if err != nil {
			log.WithError(err).Fatal("sip user agent failed")
		}
		client, err := sipgo.NewClient(ua)
		if err != nil {
			log.WithError(err).Fatal("sip client failed")
		}
		// любая смена здоровья транка сразу дает роутеру свежую таблицу
		var prober *trunk.Prober
		prober = trunk.NewProber(client, trunk.ProberConfig{
			Logger:   log,
			OnChange: func(string, bool) { rt.SetTrunks(prober.Snapshot()) },
		})
		prober.SetTrunks(cfg.Trunks)
		rt.SetTrunks(prober.Snapshot())
		prober.Start(ctx)
	}

	eng := engine.New(engine.Config{
		SignalingHost:    cfg.Signaling.Host,
		SignalingPort:    cfg.Signaling.Port,
		MediaIP:          cfg.Media.BindIP,
		RingTimeout:      cfg.Calls.RingTimeout,
		QueueMaxWait:     cfg.Calls.QueueMaxWait,
		TransferTimeout:  cfg.Calls.TransferTimeout,
		VoicemailEnabled: cfg.Calls.VoicemailEnabled,
		QueueOverflow:    call.QueueOverflowAction(cfg.Calls.QueueOverflow),
		Logger:           log,
	}, engine.Deps{
		Transport:   transport.NewUDPTransport(),
		Coordinator: coord,
		Router:      rt,
		Dispatcher:  dispatcher,
		CDR:         sink,
		Recorder:    recorder,
	})
	if err := eng.Start(); err != nil {
		log.WithError(err).Fatal("engine failed to start")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
}
