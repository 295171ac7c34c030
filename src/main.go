package main

import (
	"context"
	"errors"
	"gatekeeper/src/boot"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"gatekeeper/src/middlewares"
	"gatekeeper/src/types"
	"gatekeeper/src/utils"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/covalenthq/lumberjack"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	apiPrefix string = "/api/v1"
)

var scanChannelValidatorFunc validator.Func = func(fl validator.FieldLevel) bool {
	switch types.Channel(fl.Field().String()) {
	case types.CHANNEL_CAMERA, types.CHANNEL_NFC, types.CHANNEL_MANUAL:
		return true
	}
	return false
}

func registerValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("scanchannel", scanChannelValidatorFunc)
	}
}

func setupRouter() *gin.Engine {
	router := gin.Default()
	router.Use(middlewares.SecureHeaders)
	router.GET("/", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func maintenanceModeMiddleware(g *gin.Engine) *gin.Engine {
	g.Use(func(ctx *gin.Context) {
		mm := os.Getenv("MAINTENANCE_MODE")
		if mm == "" {
			return
		}
		atoi, err := strconv.ParseBool(mm)
		if err != nil || atoi {
			err := errors.New("server is under maintenance")
			log.Println(err.Error())
			ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, err.Error())
			return
		}
	})
	return g
}

func apiv1Group(g *gin.Engine) *gin.RouterGroup {
	apiv1 := g.Group(apiPrefix)
	return apiv1
}

func corsMiddleware() gin.HandlerFunc {
	if config.API_ENV == string(types.Local) {
		return cors.Default()
	}
	appHost := os.Getenv("APP_HOST")
	cc := cors.DefaultConfig()
	cc.AllowMethods = append(cc.AllowMethods, "GET", "POST", "HEAD")
	cc.AllowHeaders = append(cc.AllowHeaders, "Origin", "Authorization")
	cc.AllowOriginFunc = func(origin string) bool {
		if appHost == "" {
			return false
		}
		match, _ := regexp.MatchString(appHost, origin)
		return match
	}
	cc.AllowCredentials = true
	cc.AllowAllOrigins = false
	return cors.New(cc)
}

func initLogger() {
	cwd, _ := os.Getwd()
	os.MkdirAll(path.Join(cwd, "logs"), 0o755)
	serverLogs := path.Join(cwd, "logs", "server.log")
	apiLogs := path.Join(cwd, "logs", "api.log")
	gin.ForceConsoleColor()

	f, _ := os.Create(apiLogs)
	gin.DefaultWriter = io.MultiWriter(f, os.Stdout)
	log.SetOutput(&lumberjack.Logger{
		Filename:   serverLogs,
		MaxSize:    500,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
	})
}

func main() {
	if config.API_ENV == string(types.Local) {
		cwd, _ := os.Getwd()
		if err := godotenv.Load(path.Join(cwd, ".env")); err != nil {
			log.Printf("No .env loaded: %s\n", err.Error())
		}
	}
	if utils.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}
	initLogger()
	lib.RegisterMetrics()
	registerValidators()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := setupRouter()
	router.Use(corsMiddleware())
	router = maintenanceModeMiddleware(router)

	switch types.AppMode(config.APP_MODE) {
	case types.APP_DEVICE:
		dev, err := boot.InitDevice(ctx)
		if err != nil {
			log.Fatalf("Failed to start device: %s", err)
		}
		deviceHandlers(apiv1Group(router), dev)
		go runScanLoop(ctx, dev, os.Stdin, os.Stdout)
	default:
		c, err := boot.InitCoordinator(ctx)
		if err != nil {
			log.Fatalf("Failed to start coordinator: %s", err)
		}
		authorized := router.Group(apiPrefix)
		authorized.Use(middlewares.DeviceAuthMiddleware)
		scanHandlers(authorized, c.Store, c.Authority, c.Fraud)
	}
	boot.InitScheduler()

	srv := &http.Server{Addr: ":" + config.PORT, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		boot.StopScheduler()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down server: %s\n", err.Error())
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %s", err)
	}
}
