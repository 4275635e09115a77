// cmd/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/mturk"
	"github.com/go-chi/chi/v5"
	"github.com/lmittmann/tint"
	"github.com/rs/cors"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/handlers"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
	"go_5_listening_test/internal/service"
	"go_5_listening_test/internal/session"
	"go_5_listening_test/internal/stimtoken"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func main() {
	//　設定ファイル読み込み用の一時的なロガー設定
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(tempLogger)
	log.Println("Log Config Loading...")

	cfg, err := config.LoadConfig("configs")
	if err != nil {
		slog.Error("Error loading configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// === 設定に基づいて slog ロガーを初期化 ===
	logLevel := new(slog.LevelVar)
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
		slog.Warn("Unknown log level specified in config, defaulting to INFO", slog.String("level", cfg.Log.Level))
	}

	var handler slog.Handler
	appEnv := os.Getenv("APP_ENV")
	if strings.ToLower(appEnv) == "dev" {
		tintOpts := &tint.Options{
			Level:      logLevel,
			TimeFormat: time.RFC3339,
		}
		handler = tint.NewHandler(os.Stderr, tintOpts)
		tempLogger.Info("Using TINT log handler", slog.String("APP_ENV", appEnv))
	} else {
		jsonOpts := &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}
		handler = slog.NewJSONHandler(os.Stderr, jsonOpts)
		tempLogger.Info("Using JSON log handler", slog.String("APP_ENV", appEnv))
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Application starting...")

	// 2. Initialize Database Connection (GORM)
	db, err := repository.NewDB(cfg.Database.URL, logger)
	if err != nil {
		slog.Error("Error initializing database", slog.Any("error", err))
		os.Exit(1)
	}
	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("Error getting underlying sql.DB from GORM", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			slog.Error("Error closing database connection", slog.Any("error", err))
		} else {
			slog.Info("Database connection closed.")
		}
	}()

	if err := db.AutoMigrate(
		&model.Test{},
		&model.ConditionGroup{},
		&model.Condition{},
		&model.Participant{},
		&model.Trial{},
	); err != nil {
		slog.Error("Error migrating database schema", slog.Any("error", err))
		os.Exit(1)
	}

	// 刺激難読化コーデックとセッション
	codec, err := stimtoken.NewCodec(cfg.Experiment.StimulusSecretKey, cfg.Experiment.AudioCodec)
	if err != nil {
		slog.Error("Error initializing stimulus codec", slog.Any("error", err))
		os.Exit(1)
	}
	sessions := session.NewManager(cfg.Session)

	// 3. Dependency Injection
	testRepo := repository.NewGormTestRepository()
	condRepo := repository.NewGormConditionRepository()
	participantRepo := repository.NewGormParticipantRepository()
	trialRepo := repository.NewGormTrialRepository()

	schedulerService := service.NewSchedulerService(db, condRepo, trialRepo, cfg)
	eligibilityService := service.NewEligibilityService(db, participantRepo, schedulerService, cfg)
	hearingService := service.NewHearingService(db, participantRepo, codec.Sealer(), cfg)
	materializerService := service.NewMaterializerService(db, condRepo, codec, cfg)
	trialService := service.NewTrialService(db, trialRepo, participantRepo, codec, cfg)
	seedService := service.NewSeedService(db, testRepo, condRepo)

	var turkService service.TurkService
	if cfg.MTurk.Enabled {
		client, err := newMTurkClient(cfg)
		if err != nil {
			slog.Error("Error initializing MTurk client", slog.Any("error", err))
			os.Exit(1)
		}
		turkService = service.NewTurkService(db, trialRepo, client, cfg)
	}

	// テスト定義の初期投入 (既存データがあれば何もしない)
	if cfg.Seed.Enabled {
		if err := seedService.Seed(context.Background(), cfg.Seed.TemplateFile); err != nil {
			slog.Error("Error seeding test definitions", slog.Any("error", err))
			os.Exit(1)
		}
	}

	participantHandler := handlers.NewParticipantHandler(db, participantRepo, eligibilityService, sessions, cfg, logger)
	eligibilityHandler := handlers.NewEligibilityHandler(db, participantRepo, eligibilityService, hearingService, sessions, cfg, logger)
	evaluationHandler := handlers.NewEvaluationHandler(db, participantRepo, materializerService, trialService, eligibilityService, sessions, cfg, logger)
	audioHandler := handlers.NewAudioHandler(codec, cfg, logger)
	adminHandler := handlers.NewAdminHandler(trialService, turkService, logger)

	// 4. Setup Router
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggingMiddleware(logger))

	corsOptions := cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
		Debug:            false,
	}
	r.Use(cors.New(corsOptions).Handler)

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	requireSession := middleware.SessionMiddleware(sessions)

	// API Routes
	r.Route("/api/v1", func(r chi.Router) {
		// --- Public routes ---
		r.Get("/entry/anonymous", participantHandler.EntryAnonymous)
		r.Get("/entry/mturk", participantHandler.EntryMTurk)
		r.Post("/participants", participantHandler.CreateParticipant)

		// --- Session-protected routes ---
		r.Group(func(r chi.Router) {
			r.Use(requireSession)

			r.Post("/consent", eligibilityHandler.PostConsent)
			r.Get("/hearing-test", eligibilityHandler.GetHearingTest)
			r.Post("/hearing-test", eligibilityHandler.PostHearingTest)
			r.Get("/hearing-test/audio/{example}", eligibilityHandler.GetHearingTestAudio)
			r.Post("/surveys/pre", eligibilityHandler.PostPreSurvey)
			r.Post("/surveys/post", eligibilityHandler.PostPostSurvey)
			r.Get("/hearing-response", eligibilityHandler.GetHearingResponse)
			r.Get("/hearing-response/audio/{index}", eligibilityHandler.GetHearingResponseAudio)
			r.Post("/hearing-response", eligibilityHandler.PostHearingResponse)
			r.Get("/evaluation", evaluationHandler.GetEvaluation)
			r.Post("/evaluation", evaluationHandler.PostEvaluation)
		})

		// --- Admin routes ---
		r.Route("/admin", func(r chi.Router) {
			r.Get("/stats", adminHandler.GetStats)
			r.Post("/bonuses", adminHandler.PostBonuses)
		})
	})

	// 難読化トークン経由の刺激音源配信
	r.Group(func(r chi.Router) {
		r.Use(requireSession)
		r.Get("/audio/*", audioHandler.ServeStimulus)
	})

	// Health Check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := sqlDB.PingContext(ctx); err != nil {
			slog.ErrorContext(ctx, "Health check failed: could not ping DB", slog.Any("error", err))
			http.Error(w, "Health check failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// 5. Start Server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", slog.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Could not listen on port", slog.String("port", cfg.Server.Port), slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", slog.Any("error", err))
	}

	log.Println("Server exiting")
}

// newMTurkClient は設定からMTurkクライアントを構築します。
// sandbox設定でRequester Sandboxのエンドポイントに切り替えます。
func newMTurkClient(cfg *config.Config) (*mturk.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MTurk.Region),
	}
	if cfg.MTurk.AuthType == "static_credentials" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.MTurk.AccessKeyID, cfg.MTurk.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	endpoint := config.MTurkEndpointProduction
	if cfg.MTurk.Sandbox {
		endpoint = config.MTurkEndpointSandbox
	}
	return mturk.NewFromConfig(awsCfg, func(o *mturk.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}
