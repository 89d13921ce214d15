package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/kookaburracodes/kookaburra/internal/adapter/cache"
	oauthadapter "github.com/kookaburracodes/kookaburra/internal/adapter/oauth"
	"github.com/kookaburracodes/kookaburra/internal/bootstrap"
	"github.com/kookaburracodes/kookaburra/internal/config"
	"github.com/kookaburracodes/kookaburra/internal/crypto"
	"github.com/kookaburracodes/kookaburra/internal/deploy"
	"github.com/kookaburracodes/kookaburra/internal/gitclone"
	"github.com/kookaburracodes/kookaburra/internal/githubapp"
	httptransport "github.com/kookaburracodes/kookaburra/internal/http"
	"github.com/kookaburracodes/kookaburra/internal/http/handler"
	httpmiddleware "github.com/kookaburracodes/kookaburra/internal/http/middleware"
	apimiddleware "github.com/kookaburracodes/kookaburra/internal/middleware"
	"github.com/kookaburracodes/kookaburra/internal/phone"
	"github.com/kookaburracodes/kookaburra/internal/pipeline"
	"github.com/kookaburracodes/kookaburra/internal/repository"
	"github.com/kookaburracodes/kookaburra/internal/server"
	"github.com/kookaburracodes/kookaburra/internal/service"
	"github.com/kookaburracodes/kookaburra/internal/session"
	"github.com/kookaburracodes/kookaburra/internal/sms"
	"github.com/kookaburracodes/kookaburra/internal/telemetry"
)

const version = "0.1.0"

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newUserRepository,
			newLLMRepository,
			newRedisClient,
			newLoginStateStore,
			newCodec,
			newSessionService,
			newSessionMiddleware,
			newRateLimiter,
			newIssuer,
			newCloner,
			newPackager,
			newDeployer,
			newProvisioner,
			newOAuthProviderClient,
			service.NewAuthService,
			newPipeline,
			newRelay,
			newHealthHandler,
			newAuthHandler,
			newWebhookHandler,
			newSMSHandler,
			newLLMHandler,
			httptransport.NewRouter,
			newHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSchema, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newUserRepository(pool *pgxpool.Pool, ids *snowflake.Node) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool, ids)
}

func newLLMRepository(pool *pgxpool.Pool) repository.LLMRepository {
	return repository.NewPostgresLLMRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newLoginStateStore(client redis.UniversalClient) repository.LoginStateStore {
	return cacheadapter.NewRedisLoginStateStore(client)
}

func newCodec(cfg config.Config) (*crypto.Codec, error) {
	return crypto.New(cfg.SessionSecret, cfg.SessionSalt)
}

func newSessionService(codec *crypto.Codec, cfg config.Config) *session.Service {
	return session.NewService(codec, cfg.SessionTTL)
}

func newSessionMiddleware(sessions *session.Service, cfg config.Config) *httpmiddleware.Session {
	return httpmiddleware.NewSession(sessions, !cfg.IsLocal())
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM,
		httptransport.APIPrefix+"/wh/gh",
		httptransport.APIPrefix+"/sms",
	)
}

func newIssuer(cfg config.Config, logger *zap.Logger) (*githubapp.Issuer, error) {
	return githubapp.NewIssuer(cfg.GitHubAppID, cfg.GitHubPrivateKeyPath, githubapp.Options{
		APIBaseURL: cfg.GitHubAPIBaseURL,
		TargetURL:  cfg.PublicURL,
	}, logger)
}

func newCloner(logger *zap.Logger) *gitclone.Cloner {
	return gitclone.NewCloner(logger)
}

func newPackager(cfg config.Config, logger *zap.Logger) (*deploy.Packager, error) {
	return deploy.NewPackager(cfg.DeployTemplatePath, logger)
}

func newDeployer(cfg config.Config, logger *zap.Logger) deploy.Deployer {
	return deploy.NewModalDeployer(cfg.ModalAccountName, cfg.ModalTokenID, cfg.ModalTokenSecret, logger)
}

func newProvisioner(cfg config.Config) phone.Provisioner {
	return phone.NewRESTProvisioner(
		cfg.PhoneGatewayURL,
		cfg.PhoneGatewayAccountSID,
		cfg.PhoneGatewayAuthToken,
		cfg.PublicURL+httptransport.APIPrefix+"/sms",
		nil,
	)
}

func newOAuthProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewGitHubClient(
		cfg.GitHubClientID,
		cfg.GitHubClientSecret,
		cfg.GitHubTokenEndpoint,
		cfg.GitHubAPIBaseURL,
		nil,
	)
}

func newPipeline(issuer *githubapp.Issuer, cloner *gitclone.Cloner, packager *deploy.Packager, deployer deploy.Deployer, phones phone.Provisioner, llms repository.LLMRepository, cfg config.Config, logger *zap.Logger) *pipeline.Handler {
	return pipeline.NewHandler(issuer, cloner, packager, deployer, phones, llms, cfg.ModalAccountName, cfg.DeployTimeout, logger)
}

func newRelay(llms repository.LLMRepository, phones phone.Provisioner, logger *zap.Logger) *sms.Relay {
	return sms.NewRelay(llms, sms.NewHTTPResponder(nil), phones, logger)
}

func newHealthHandler() *handler.HealthHandler {
	return handler.NewHealthHandler(version)
}

func newAuthHandler(auth *service.AuthService, cfg config.Config, logger *zap.Logger) *handler.AuthHandler {
	return handler.NewAuthHandler(auth, cfg, logger)
}

func newWebhookHandler(users repository.UserRepository, p *pipeline.Handler, logger *zap.Logger) *handler.WebhookHandler {
	return handler.NewWebhookHandler(users, p, logger)
}

func newSMSHandler(relay *sms.Relay, logger *zap.Logger) *handler.SMSHandler {
	return handler.NewSMSHandler(relay, logger)
}

func newLLMHandler(users repository.UserRepository, llms repository.LLMRepository, deployer deploy.Deployer, phones phone.Provisioner, logger *zap.Logger) *handler.LLMHandler {
	return handler.NewLLMHandler(users, llms, deployer, phones, logger)
}

func newHTTPServer(router *gin.Engine, logger *zap.Logger) *server.HTTPServer {
	return server.NewHTTPServer(router, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
