package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vellum-mta/vellum/config"
	applog "github.com/vellum-mta/vellum/internal/log"
	"github.com/vellum-mta/vellum/queue"
	"github.com/vellum-mta/vellum/queue/auditlog"
	"github.com/vellum-mta/vellum/queue/dedupcache"
	"github.com/vellum-mta/vellum/queue/smtpclient"
	"github.com/vellum-mta/vellum/queuefs"
	"github.com/vellum-mta/vellum/session"
	"github.com/vellum-mta/vellum/tlsconn"
	"github.com/vellum-mta/vellum/wire"
)

var (
	configPath string
	wasmBlob   string
	pidFile    string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "accept and relay mail",
		Run:   serve,
	}

	signalChannel = make(chan os.Signal, 1)
	mainlog       applog.Logger
)

func init() {
	var err error
	if mainlog, err = applog.New("stderr", ""); err != nil {
		panic(err)
	}
	serveCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"vellumd.json", "path to the configuration file")
	serveCmd.PersistentFlags().StringVar(&wasmBlob, "wasm-blob", "",
		"path to the optional sandboxed filter-host module (falls back to permissive in-process hooks when absent)")
	serveCmd.PersistentFlags().StringVarP(&pidFile, "pidFile", "p", "",
		"path to the pid file")
	rootCmd.AddCommand(serveCmd)
}

// daemon bundles the running pieces serve wires together, so sigHandler
// can reach the engine and listener for shutdown.
type daemon struct {
	cfg           *config.Config
	listener      net.Listener
	engine        *queue.Engine
	sessionConfig session.Config
	shutdown      int32
	wg            sync.WaitGroup
}

func serve(cmd *cobra.Command, args []string) {
	logVersion()

	cfg, err := config.Load(configPath, "", pidFile)
	if err != nil {
		mainlog.WithError(err).Fatal("error while reading config")
	}
	if wasmBlob != "" {
		cfg.WasmBlob = wasmBlob
	}
	if cfg.LogLevel != "" || cfg.LogFile != "" {
		if l, lerr := applog.New(cfg.LogFile, cfg.LogLevel); lerr == nil {
			mainlog = l
		} else {
			mainlog.WithError(lerr).Warn("could not switch to configured logger, staying on stderr")
		}
	}

	d, err := newDaemon(cfg)
	if err != nil {
		mainlog.WithError(err).Fatal("error while starting up")
	}
	if err := d.engine.Start(); err != nil {
		mainlog.WithError(err).Fatal("error starting queue engine")
	}

	writePid(cfg.PidFile)
	go d.acceptLoop()

	mainlog.WithField("addr", cfg.ListenInterface).Info("vellumd listening")
	sigHandler(d)
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	_, parsedHostname, herr := wire.ParseHostname(cfg.Hostname+" ", " ")
	if herr != nil {
		return nil, fmt.Errorf("invalid host_name %q: %w", cfg.Hostname, herr)
	}

	storage, err := queuefs.Open(cfg.QueueRoot)
	if err != nil {
		return nil, fmt.Errorf("opening queue storage: %w", err)
	}

	var tlsUpgrader session.TLSUpgrader
	var tlsDialer smtpclient.TLSDialer
	if cfg.TLSEnabled() {
		srv, terr := tlsconn.LoadServer(cfg.PublicKeyFile, cfg.PrivateKeyFile, cfg.Hostname)
		if terr != nil {
			return nil, terr
		}
		tlsUpgrader = srv
		tlsDialer = tlsconn.Client
	}

	transport := smtpclient.NewClient(parsedHostname, tlsDialer)

	events := queue.NewEventHandler()
	qcfg := queue.Config{
		PollInterval:  time.Duration(cfg.PollIntervalSecs) * time.Second,
		Workers:       cfg.QueueWorkers,
		RecoveryGrace: time.Duration(cfg.RecoveryGraceSecs) * time.Second,
		CleanupPeriod: time.Duration(cfg.CleanupPeriodSecs) * time.Second,
		Transport:     transport,
		Events:        events,
		Logger:        mainlog,
	}

	if cfg.AuditLog != nil {
		al, aerr := auditlog.Open(auditlog.Config{
			Host: cfg.AuditLog.Host, User: cfg.AuditLog.User,
			Pass: cfg.AuditLog.Pass, DB: cfg.AuditLog.DB, Table: cfg.AuditLog.Table,
		}, mainlog)
		if aerr != nil {
			mainlog.WithError(aerr).Warn("could not open audit log, continuing without it")
		} else if serr := al.Subscribe(events); serr != nil {
			mainlog.WithError(serr).Warn("could not subscribe audit log")
		}
	}

	engine := queue.New(storage, qcfg)

	hooks := &session.DefaultHooks{Hostname: cfg.Hostname, AllowedHosts: cfg.AllowedHosts}
	if cfg.DedupCache != nil {
		cache := dedupcache.Open(cfg.DedupCache.Addr, time.Duration(cfg.DedupCache.TTLSeconds)*time.Second)
		hooks.Dedup = cache
	}

	ln, err := net.Listen("tcp", cfg.ListenInterface)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", cfg.ListenInterface, err)
	}

	d := &daemon{cfg: cfg, listener: ln, engine: engine}
	d.sessionConfig = session.Config{
		Hostname: cfg.Hostname,
		Hooks:    hooks,
		Timeouts: cfg.SessionTimeouts(),
		TLS:      tlsUpgrader,
		OnMail:   d.onMail,
	}
	return d, nil
}

func (d *daemon) onMail(mail session.MailMetadata, contents []byte) error {
	enq, err := d.engine.Enqueue()
	if err != nil {
		return err
	}
	if _, err := enq.Write(contents); err != nil {
		return err
	}
	_, err = enq.Commit(mail.From, mail.To, mail.Extra, time.Now())
	return err
}

func (d *daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&d.shutdown) != 0 {
				return
			}
			mainlog.WithError(err).Warn("error accepting connection")
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(conn)
		}()
	}
}

func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	sess := session.New(conn, d.sessionConfig)
	if err := sess.Serve(); err != nil {
		mainlog.WithConn(conn).WithError(err).Debug("session ended with error")
	}
}

func (d *daemon) Shutdown() {
	atomic.StoreInt32(&d.shutdown, 1)
	d.listener.Close()
	d.engine.Stop()
	d.wg.Wait()
}

// sigHandler: SIGHUP reopens the log file (config reload of
// listener/TLS settings requires a restart, since vellum has a single
// listener rather than a dynamic server set); SIGTERM/SIGINT/SIGQUIT
// shut down gracefully.
func sigHandler(d *daemon) {
	signal.Notify(signalChannel, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	for sig := range signalChannel {
		switch sig {
		case syscall.SIGHUP:
			if err := mainlog.Reopen(); err != nil {
				mainlog.WithError(err).Error("error reopening log")
			} else {
				mainlog.Info("log reopened")
			}
		case syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT:
			mainlog.Info("shutdown signal caught")
			d.Shutdown()
			mainlog.Info("shutdown completed, exiting")
			return
		}
	}
}

func writePid(pidFile string) {
	if pidFile == "" {
		return
	}
	f, err := os.Create(pidFile)
	if err != nil {
		mainlog.WithError(err).Fatalf("error while creating pidFile (%s)", pidFile)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		mainlog.WithError(err).Fatalf("error while writing pidFile (%s)", pidFile)
		return
	}
	f.Sync()
	mainlog.Infof("pid_file (%s) written with pid %d", pidFile, os.Getpid())
}
