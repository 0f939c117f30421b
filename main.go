package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"torrent-vault/audit"
	"torrent-vault/composer"
	"torrent-vault/config"
	"torrent-vault/database"
	"torrent-vault/discovery"
	"torrent-vault/handlers"
	"torrent-vault/logging"
	"torrent-vault/middleware"
	"torrent-vault/services"

	"github.com/gin-gonic/gin"
	"github.com/gosuri/uiprogress"
	"github.com/rs/zerolog"
)

var (
	configPath  = flag.String("c", "", "Path to configuration file")
	version     = flag.Bool("v", false, "Show version information")
	composePath = flag.String("compose", "", "Compose a .torrent from a file or folder and exit")
	outputDir   = flag.String("o", ".", "Output directory for -compose")
	announce    = flag.String("announce", "", "Comma separated tracker URLs for -compose")
	comment     = flag.String("comment", "", "Comment for -compose")
)

const (
	AppVersion = "1.0.0"
	AppName    = "Torrent Vault"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Println("A multi-user BitTorrent session server")
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *composePath != "" {
		if err := runCompose(cfg, logger); err != nil {
			logger.Fatal().Err(err).Msg("compose failed")
		}
		return
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()
	repo := database.NewRepository(db)

	var dht *discovery.DHTNode
	if cfg.DHTEnabled() {
		dht, err = discovery.StartDHT(cfg.Torrent.ListenPort, logging.Component(logger, "dht"))
		if err != nil {
			logger.Warn().Err(err).Msg("DHT unavailable, continuing with trackers and PEX")
		} else {
			defer dht.Stop()
		}
	}

	torrentService := services.NewTorrentService(cfg, services.Options{
		Repo:   repo,
		Audit:  audit.Multi{audit.LogSink{Log: logging.Component(logger, "audit")}, audit.DBSink{Repo: repo}},
		DHT:    dht,
		Logger: logger,
	})
	if err := torrentService.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start torrent service")
	}

	apiHandler := handlers.NewAPIHandler(torrentService, cfg)
	webdavHandler := handlers.NewWebDAVHandler(torrentService)
	router := setupRouter(apiHandler, webdavHandler, cfg, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info().
		Str("version", AppVersion).
		Str("port", cfg.Server.Port).
		Int("peer_port", cfg.Torrent.ListenPort).
		Str("database", cfg.Database.Driver).
		Bool("auth", cfg.Auth.Enabled).
		Bool("dht", dht != nil).
		Msgf("starting %s", AppName)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	torrentService.Shutdown()
	logger.Info().Msg("server shutdown complete")
}

func setupRouter(apiHandler *handlers.APIHandler, webdavHandler *handlers.WebDAVHandler, cfg *config.Config, logger zerolog.Logger) http.Handler {
	gin.SetMode(cfg.GetGinMode())

	router := gin.New()
	router.Use(middleware.RequestLogger(logging.Component(logger, "http")))
	router.Use(gin.CustomRecovery(func(c *gin.Context, err interface{}) {
		logger.Error().Interface("panic", err).Str("path", c.Request.URL.Path).Msg("panic recovered")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
		})
	}))

	router.GET("/health", func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		if err := database.HealthCheck(); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":   status,
			"version":  AppVersion,
			"database": cfg.Database.Driver,
			"auth":     cfg.Auth.Enabled,
		})
	})

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	apiHandler.Register(api)

	webdavGroup := router.Group("/webdav")
	webdavGroup.Use(middleware.AuthMiddleware(cfg))
	webdavHandler.Register(webdavGroup)

	return router
}

// runCompose hashes -compose into a .torrent under -o with a progress bar.
func runCompose(cfg *config.Config, logger zerolog.Logger) error {
	var trackers []string
	for _, u := range strings.Split(*announce, ",") {
		if u = strings.TrimSpace(u); u != "" {
			trackers = append(trackers, u)
		}
	}

	var bar *uiprogress.Bar
	progress := func(done, total int) {
		if bar == nil {
			uiprogress.Start()
			bar = uiprogress.AddBar(total)
			bar.AppendCompleted()
			bar.PrependFunc(func(b *uiprogress.Bar) string {
				return fmt.Sprintf("pieces %d/%d", b.Current(), b.Total)
			})
			bar.AppendElapsed()
		}
		bar.Set(done)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := composer.Compose(ctx, *composePath, composer.Options{
		Announce:    len(trackers) > 0,
		Trackers:    trackers,
		Comment:     *comment,
		CreatedBy:   AppName + " " + AppVersion,
		PieceLength: cfg.Torrent.PieceLength,
		Limits: composer.Limits{
			MaxFileSize:  cfg.Limits.MaxFileSize,
			MaxTotalSize: cfg.Limits.MaxTotalSize,
			MaxFileCount: cfg.Limits.MaxFileCount,
			MaxDepth:     cfg.Limits.MaxDepth,
		},
		OutputDir: *outputDir,
		Progress:  progress,
	})
	if bar != nil {
		uiprogress.Stop()
	}
	if err != nil {
		return err
	}
	logger.Info().
		Str("info_hash", res.Metadata.InfoHash.HexString()).
		Str("name", res.Metadata.Name).
		Int64("size", res.Metadata.Size).
		Str("torrent", res.Metadata.TorrentFilePath).
		Str("magnet", res.Metadata.MagnetURI).
		Msg("torrent composed")
	return nil
}
