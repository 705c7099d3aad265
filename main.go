package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/opsgate/internal/config"
	"github.com/gluk-w/opsgate/internal/credentials"
	"github.com/gluk-w/opsgate/internal/database"
	"github.com/gluk-w/opsgate/internal/handlers"
	"github.com/gluk-w/opsgate/internal/logging"
	"github.com/gluk-w/opsgate/internal/maintenance"
	"github.com/gluk-w/opsgate/internal/middleware"
	"github.com/gluk-w/opsgate/internal/sshaudit"
	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshterminal"
	"github.com/gluk-w/opsgate/internal/sshtransfer"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--import-key":
			runKeyCommand("import-key")
			return
		case "--delete-key":
			runKeyCommand("delete-key")
			return
		case "--generate-key":
			runKeyCommand("generate-key")
			return
		case "--list-keys":
			runKeyCommand("list-keys")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatal().Err(err).Msg("database init")
	}
	defer database.Close()

	auditor := sshaudit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)

	maxUpload, _ := config.Cfg.MaxUploadBytes()
	uploads, err := sshtransfer.NewStaging(config.Cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("upload staging init")
	}
	downloads, err := sshtransfer.NewStaging(config.Cfg.DownloadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("download staging init")
	}

	// SSH broker with per-target failure blocking, an optional attempt cap and
	// optional host key pinning
	limiter := sshconn.NewRateLimiter(config.Cfg.ConnectAttempts)
	brokerOpts := []sshconn.BrokerOption{sshconn.WithRateLimiter(limiter)}
	if config.Cfg.KnownHostsFile != "" {
		cb, err := sshconn.KnownHostsCallback(config.Cfg.KnownHostsFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", config.Cfg.KnownHostsFile).Msg("known hosts init")
		}
		brokerOpts = append(brokerOpts, sshconn.WithHostKeyCallback(cb))
	} else {
		log.Warn().Msg("KNOWN_HOSTS_FILE not set; remote host keys are not verified")
	}
	opener := handlers.AuditedOpener{Opener: sshconn.NewBroker(brokerOpts...)}

	profile := sshconn.Profile{
		Validate: sshconn.Options{ReadyTimeout: config.Cfg.ValidateTimeout},
		Transfer: sshconn.Options{ReadyTimeout: config.Cfg.TransferTimeout},
		LargeTransfer: sshconn.Options{
			ReadyTimeout:       config.Cfg.LargeTransferTimeout,
			KeepaliveInterval:  config.Cfg.KeepaliveInterval,
			KeepaliveMaxMissed: config.Cfg.KeepaliveMaxMissed,
		},
	}

	keys := credentials.NewStore(database.DB)
	tickets := sshterminal.NewTicketStore(config.Cfg.TicketTTL, config.Cfg.TicketCapacity)
	sessions := sshterminal.NewRegistry()

	handlers.Opener = opener
	handlers.Profile = profile
	handlers.Keys = keys
	handlers.Uploads = uploads
	handlers.MaxUploadBytes = maxUpload
	handlers.Transfers = sshtransfer.NewEngine(opener, profile, downloads)
	handlers.Tickets = tickets
	handlers.Sessions = sessions
	handlers.Terminal = sshterminal.NewBridge(opener, profile.Validate,
		sshterminal.WithTickets(tickets),
		sshterminal.WithKeyResolver(keys),
		sshterminal.WithRegistry(sessions),
		sshterminal.WithObserver(handlers.TerminalObserver),
		sshterminal.WithInputRate(float64(config.Cfg.TerminalRateLimit), config.Cfg.TerminalRateBurst),
	)

	sched, err := maintenance.New(maintenance.Tasks{
		Tickets:       tickets,
		Staging:       []*sshtransfer.Staging{uploads, downloads},
		StagingMaxAge: config.Cfg.StagingMaxAge,
		Auditor:       auditor,
		Limiter:       limiter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("maintenance scheduler init")
	}
	sched.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no identity)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1/gateway", func(r chi.Router) {
		r.Use(middleware.RequireIdentity(config.Cfg.IdentityHeader))

		// Terminal WebSocket, tickets and session management
		r.Get("/terminal", handlers.TerminalWS)
		r.Post("/terminal/tickets", handlers.CreateTerminalTicket)
		r.Delete("/terminal/tickets/{sessionId}", handlers.RevokeTerminalTicket)
		r.Get("/terminal/sessions", handlers.ListTerminalSessions)
		r.Delete("/terminal/sessions/{sessionId}", handlers.TerminateTerminalSession)

		// Files
		r.Post("/upload", handlers.UploadFile)
		r.Post("/download", handlers.DownloadFile)
		r.Post("/list-files", handlers.ListFiles)
		r.Get("/uploads", handlers.ListUploads)

		// Stored keys, audit and server logs
		r.Get("/keys", handlers.ListKeys)
		r.Get("/audit", handlers.GetAuditLogs)
		r.Delete("/audit", handlers.PurgeAuditLogs)
		r.Get("/server-logs", handlers.GetServerLogs)
		r.Delete("/server-logs", handlers.ClearServerLogs)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", config.Cfg.ListenAddr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-sigCtx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func runKeyCommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	name := fs.String("name", "", "Stored key name")
	file := fs.String("file", "", "PEM private key file (import-key)")
	fs.Parse(os.Args[2:])

	if command != "list-keys" && *name == "" {
		fmt.Fprintf(os.Stderr, "Usage: opsgate --%s --name <name>", command)
		if command == "import-key" {
			fmt.Fprint(os.Stderr, " --file <pem>")
		}
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Database init: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()
	sshaudit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)
	keys := credentials.NewStore(database.DB)

	fail := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
		database.Close()
		os.Exit(1)
	}

	switch command {
	case "import-key":
		if *file == "" {
			fail("Usage: opsgate --import-key --name <name> --file <pem>")
		}
		pem, err := os.ReadFile(*file)
		if err != nil {
			fail("Failed to read %s: %v", *file, err)
		}
		key, err := keys.Save(*name, pem)
		if err != nil {
			fail("Failed to import key: %v", err)
		}
		sshaudit.LogKeyChange(sshaudit.EventKeyImported, key.Name, key.Fingerprint)
		fmt.Printf("Key '%s' imported (%s). Reference it as keys/%s.\n", key.Name, key.Fingerprint, key.Name)

	case "generate-key":
		key, err := keys.Generate(*name)
		if err != nil {
			fail("Failed to generate key: %v", err)
		}
		sshaudit.LogKeyChange(sshaudit.EventKeyImported, key.Name, key.Fingerprint)
		fmt.Printf("Key '%s' generated (%s). Add this public key to authorized_keys:\n%s\n", key.Name, key.Fingerprint, key.PublicKey)

	case "delete-key":
		if err := keys.Delete(*name); err != nil {
			if errors.Is(err, credentials.ErrNotFound) {
				fail("Key '%s' not found", *name)
			}
			fail("Failed to delete key: %v", err)
		}
		sshaudit.LogKeyChange(sshaudit.EventKeyDeleted, *name, "")
		fmt.Printf("Key '%s' deleted.\n", *name)

	case "list-keys":
		stored, err := keys.List()
		if err != nil {
			fail("Failed to list keys: %v", err)
		}
		if len(stored) == 0 {
			fmt.Println("No stored keys.")
			return
		}
		for _, k := range stored {
			fmt.Printf("%-24s %s  %s\n", k.Name, k.Fingerprint, k.CreatedAt.Format(time.RFC3339))
		}
	}
}
