package main

import (
	"context"
	"crypto/rsa"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	consentapi "github.com/ofconnect/consent-broker/api/echo"
	"github.com/ofconnect/consent-broker/cache"
	redistore "github.com/ofconnect/consent-broker/cache/redis"
	"github.com/ofconnect/consent-broker/config"
	"github.com/ofconnect/consent-broker/domain"
	ofcrypto "github.com/ofconnect/consent-broker/internal/crypto"
	"github.com/ofconnect/consent-broker/internal/openfinance"
	"github.com/ofconnect/consent-broker/internal/server"
	"github.com/ofconnect/consent-broker/log"
	"github.com/ofconnect/consent-broker/mongodb"
	"github.com/ofconnect/consent-broker/services"
	"github.com/ofconnect/consent-broker/tracing"
)

var (
	appLogger      log.Logger
	httpServer     *http.Server
	tracerProvider *sdktrace.TracerProvider
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)

	ctx := context.Background()
	appLogger.Info(ctx, "Starting consent broker", map[string]any{
		"http_port":     cfg.HTTPPort,
		"par_endpoint":  cfg.ParEndpoint,
		"auth_endpoint": cfg.AuthEndpoint,
		"log_level":     cfg.LogLevel,
	})

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize TracerProvider", err)
	}
	tracerProvider = tp

	// Consent store: MongoDB when configured, in-process otherwise.
	var repo domain.ConsentRepository
	if cfg.MongoURI != "" {
		if initErr := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); initErr != nil {
			appLogger.Warn(ctx, "MongoDB unavailable, consent persistence degraded", map[string]any{
				"error": initErr.Error(),
			})
			repo = cache.DisabledConsentStore{}
		} else {
			mongoRepo, repoErr := mongodb.NewConsentRepository(ctx, mongodb.GetDB())
			if repoErr != nil {
				appLogger.Fatal(ctx, "Failed to initialize ConsentRepository", repoErr)
			}
			repo = mongoRepo
		}
	} else {
		appLogger.Warn(ctx, "No MONGO_URI configured, using in-process consent store")
		repo = cache.NewMemoryConsentStore()
	}

	// Token hot cache: Redis when configured, ttlcache otherwise.
	var hot cache.TokenStore
	var memTokens *cache.MemoryTokenStore
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		hot = redistore.NewTokenStore(redisClient)
	} else {
		memTokens = cache.NewMemoryTokenStore()
		hot = memTokens
	}

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to load signing key", err)
	}
	encryptionKey, err := loadEncryptionKey(cfg)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to load PII encryption key", err)
	}

	cipher, err := services.NewPIICipher(encryptionKey, cfg.EncryptionKid)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize PII cipher", err)
	}

	provider := services.ProviderSettings{
		ParEndpoint:   cfg.ParEndpoint,
		AuthEndpoint:  cfg.AuthEndpoint,
		TokenEndpoint: cfg.TokenEndpoint,
		ClientID:      cfg.ClientID,
		RedirectURI:   cfg.RedirectURI,
		Creditor: services.CreditorDetails{
			SchemeName:     "IBAN",
			Identification: "AE070331234567890123456",
			Name:           "Sandbox Merchant LLC",
		},
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}

	signer := services.NewRequestSigner(cfg.SigningKid, signingKey)
	authenticator := services.NewClientAuthenticator(cfg.ClientID, cfg.TokenEndpoint, cfg.SigningKid, signingKey)
	consentService := services.NewConsentService(provider, signer, authenticator, cipher, repo, httpClient)

	ring := cache.NewCodeRing(cfg.RecentCodeBufSize)
	callbackService := services.NewCallbackService(repo, ring)
	tokenService := services.NewTokenService(repo, hot, authenticator, cfg.TokenEndpoint, cfg.ClientID, cfg.RedirectURI, httpClient)
	dataClient := openfinance.NewClient(cfg.DataBaseURL, tokenService, httpClient, cfg.AccountFanOutMax)

	api := consentapi.NewConsentAPI(consentService, callbackService, tokenService, repo, ring, dataClient)
	httpServer = server.NewHTTPServer(cfg, appLogger, api)

	go func() {
		appLogger.Info(ctx, "HTTP server listening", map[string]any{"addr": httpServer.Addr})
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			appLogger.Fatal(ctx, "HTTP server failed", serveErr)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info(ctx, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown failed", err)
	}
	if cfg.MongoURI != "" {
		if err := mongodb.Disconnect(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "MongoDB disconnect failed", err)
		}
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "TracerProvider shutdown failed", err)
		}
	}
	if memTokens != nil {
		memTokens.Stop()
	}
	appLogger.Info(ctx, "Shutdown complete")
}

// loadSigningKey reads the broker's RSA signing key from inline PEM or path,
// generating an ephemeral key for local development when neither is set.
func loadSigningKey(cfg *config.ServerConfig) (*rsa.PrivateKey, error) {
	if cfg.SigningKeyPEM != "" {
		return ofcrypto.ParseRSAPrivateKeyPEM([]byte(cfg.SigningKeyPEM))
	}
	if cfg.SigningKeyPath != "" {
		raw, err := os.ReadFile(cfg.SigningKeyPath)
		if err != nil {
			return nil, err
		}
		return ofcrypto.ParseRSAPrivateKeyPEM(raw)
	}
	return ofcrypto.GenerateRSAKey()
}

// loadEncryptionKey reads the provider-published PII encryption public key,
// falling back to a throwaway key for local development.
func loadEncryptionKey(cfg *config.ServerConfig) (*rsa.PublicKey, error) {
	if cfg.EncryptionKeyPEM != "" {
		return ofcrypto.ParseRSAPublicKeyPEM([]byte(cfg.EncryptionKeyPEM))
	}
	if cfg.EncryptionKeyPath != "" {
		raw, err := os.ReadFile(cfg.EncryptionKeyPath)
		if err != nil {
			return nil, err
		}
		return ofcrypto.ParseRSAPublicKeyPEM(raw)
	}
	// Local development fallback: encrypt under a throwaway key.
	ephemeral, err := ofcrypto.GenerateRSAKey()
	if err != nil {
		return nil, err
	}
	return &ephemeral.PublicKey, nil
}
