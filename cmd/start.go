package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/msrpd/internal/api"
	"github.com/luma/msrpd/internal/env"
	"github.com/luma/msrpd/internal/notify"
	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
	"github.com/luma/msrpd/storage"
	"github.com/luma/msrpd/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort int

	// The port to listen for MSRP connections on
	port int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 0, "The port to listen MSRP connections on (default MSRP_PORT or 2855)")
	flags.IntVar(&httpPort, "http-port", 0, "The port to listen to HTTP requests on (default MSRP_HTTP_PORT or 2856)")
	flags.StringVarP(&host, "host", "a", "", "The host to listen on (default MSRP_HOST or 0.0.0.0)")
}

// logListener accepts every message and logs what happens to it.
type logListener struct {
	log *zap.Logger
}

func (l logListener) AcceptMessage(s *session.Session, m *protocol.Message) bool {
	return true
}

func (l logListener) ReceivedMessage(s *session.Session, m *protocol.Message) {
	l.log.Info("Received message",
		zap.String("session", s.ID),
		zap.String("messageID", m.ID),
		zap.String("contentType", m.ContentType),
		zap.Int64("size", m.Size()))
}

func (l logListener) ReceivedReport(s *session.Session, t *protocol.Transaction) {
	l.log.Info("Received report",
		zap.String("session", s.ID),
		zap.String("messageID", t.MessageID),
		zap.Stringer("byteRange", t.ByteRange))
}

func (l logListener) ReceivedResponse(s *session.Session, t *protocol.Transaction, r *protocol.Response) {
	if !r.IsSuccess() {
		l.log.Info("Send failed",
			zap.String("session", s.ID),
			zap.String("messageID", t.MessageID),
			zap.Int("code", r.Code),
			zap.String("comment", r.Comment))
	}
}

func (l logListener) AbortedMessage(s *session.Session, m *protocol.Message) {
	l.log.Info("Message aborted by sender",
		zap.String("session", s.ID),
		zap.String("messageID", m.ID))
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the MSRP endpoint",
	Long: `Start up the MSRP endpoint and its admin API

Usage
	msrpd start

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		applyFlags(conf)

		log, err := env.MakeLogger(conf.Debug)
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		notifier, err := notify.Connect(ctx, notify.Options{
			NatsURL:  conf.NatsURL,
			RedisURL: conf.RedisURL,
			Log:      log.Named("notify"),
		})
		if err != nil {
			return err
		}

		progress := storage.NewInmemoryStore()
		listener := notifier.Listener(logListener{log: log.Named("messages")})

		if notifier.Publisher != nil {
			go notifier.Publisher.ForwardProgress(ctx, progress)
		}

		if notifier.Directory != nil {
			go notifier.Directory.Run(ctx)
		}

		stack := session.NewStack(session.Options{
			Host: conf.Host,
			Port: conf.Port,
			Containers: storage.Factory{
				Dir:         conf.StorageDir,
				Threshold:   uint64(conf.FileThreshold),
				MemoryLimit: uint64(conf.MemoryLimit),
			},
			MaxMessageSize:  conf.MaxMessageSize,
			Progress:        progress,
			Granularity:     conf.TriggerGranularity,
			AutoCreate:      true,
			DefaultListener: listener,
			Observers:       notifier.Observers(),
			Log:             log.Named("stack"),
		})

		transportOptions := transport.Options{
			Host:      conf.Host,
			Port:      conf.Port,
			Reuseport: true,
			WriteIdle: conf.WriteIdle,
			Stack:     stack,
			Log:       log.Named("transport"),
		}

		router := api.NewRouter(api.Options{
			Stack:    stack,
			Listener: listener,
			Dial: func(_ context.Context, s *session.Session) error {
				// The connection outlives the HTTP request that created it.
				_, err := transport.DialSession(ctx, s, transportOptions)
				return err
			},
			DebugHTTP: conf.DebugHTTP,
			Log:       log.Named("http"),
		})

		s := &http.Server{
			Addr:    net.JoinHostPort(conf.Host, strconv.Itoa(conf.HTTPPort)),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		tcp := transport.NewTCP(transportOptions)

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		log.Info("Listening",
			zap.Any("config", conf),
			zap.Stringer("addr", tcp.Addr()),
			zap.Int("httpPort", conf.HTTPPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := tcp.Shutdown(shutdownCtx); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		if err := stack.Close(); err != nil {
			log.Error("Failed to close sessions", zap.Error(err))
		}

		if err := progress.Close(); err != nil {
			log.Error("Failed to close progress store", zap.Error(err))
		}

		if err := notifier.Close(); err != nil {
			log.Error("Failed to close notification backends", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// applyFlags lets explicitly passed flags win over the environment.
func applyFlags(conf *env.Config) {
	if host != "" {
		conf.Host = host
	}

	if port != 0 {
		conf.Port = port
	}

	if httpPort != 0 {
		conf.HTTPPort = httpPort
	}
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
