package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"mediagrabber/config"
	"mediagrabber/handlers"
	"mediagrabber/middleware"
	"mediagrabber/websocket"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the REST and websocket server",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		settings, err := loadSettings(false)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, settings)
	},
}

func init() {
	serverCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serverCmd.Flags().String("cors-origins", "", "Comma separated allowed origins, or *")
	bindFlags(v, serverCmd, map[string]string{
		"port":         config.KeyPort,
		"cors-origins": config.KeyCORSOrigins,
	}, false)
}

func runServer(ctx context.Context, settings *config.Settings) error {
	a, err := newApp(settings, appOptions{})
	if err != nil {
		return err
	}
	hub := websocket.NewHub(a.bus.Latest)
	go hub.Run(ctx)
	sub := a.bus.Subscribe(hub)
	defer sub.Unsubscribe()

	a.start(ctx, true)
	defer a.stop()

	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Port),
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("MediaGrabber server listening on %s, output in %s", srv.Addr, settings.OutputDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRouter wires middleware and routes onto a fresh engine
func newRouter(a *app, hub websocket.Hub) *gin.Engine {
	downloadHandler := handlers.NewDownloadHandler(a.jobs, a.bus, a.store, hub, a.settings.CORSOrigins)
	fileHandler := handlers.NewFileHandler(a.jobs, a.output)
	healthHandler := handlers.NewHealthHandler(a.jobs, a.output)
	settingsHandler := handlers.NewSettingsHandler(a.settings)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(a.settings.CORSOrigins))
	r.Use(middleware.Logging())

	setupRoutes(r, downloadHandler, fileHandler, healthHandler, settingsHandler)
	return r
}

// setupRoutes configures all the HTTP routes
func setupRoutes(r *gin.Engine, downloadHandler *handlers.DownloadHandler, fileHandler *handlers.FileHandler, healthHandler *handlers.HealthHandler, settingsHandler *handlers.SettingsHandler) {
	r.GET("/health", healthHandler.HealthCheck)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", healthHandler.APIStatus)
		apiGroup.GET("/settings", settingsHandler.GetSettings)

		downloadsGroup := apiGroup.Group("/downloads")
		{
			downloadsGroup.POST("", downloadHandler.SubmitDownload)
			downloadsGroup.GET("", downloadHandler.GetAllJobs)
			downloadsGroup.GET("/:jobId", downloadHandler.GetJob)
			downloadsGroup.DELETE("/:jobId", downloadHandler.CancelJob)
			downloadsGroup.GET("/:jobId/progress", downloadHandler.GetProgress)
			downloadsGroup.GET("/:jobId/history", downloadHandler.GetHistory)
			downloadsGroup.GET("/:jobId/file", fileHandler.DownloadFile)
		}

		// WebSocket endpoints for real-time progress
		wsGroup := apiGroup.Group("/ws")
		{
			wsGroup.GET("/downloads/:jobId", downloadHandler.HandleWebSocketConnection)
			wsGroup.GET("/downloads", downloadHandler.HandleWebSocketAllConnection)
		}
	}
}
