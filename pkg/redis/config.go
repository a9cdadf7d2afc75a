package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tileworks/platform/pkg/config"
)

const (
	envRedisAddr       = "REDIS_ADDR"
	envRedisPassword   = "REDIS_PASSWORD"
	envRedisDB         = "REDIS_DB"
	envRedisPoolSize   = "REDIS_POOL_SIZE"
	envRedisTLS        = "REDIS_TLS"
	envRedisCACert     = "REDIS_CACERT"
	envRedisCert       = "REDIS_CERT"
	envRedisKey        = "REDIS_KEY"
	envRedisServerName = "REDIS_SERVER_NAME"
)

// ConfigFromEnv builds a Config starting from DefaultConfig.
//
// Supported envs:
// - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, REDIS_POOL_SIZE
// - REDIS_TLS=true/false
// - REDIS_CACERT=/path/to/ca.pem
// - REDIS_CERT=/path/to/client-cert.pem, REDIS_KEY=/path/to/client-key.pem
// - REDIS_SERVER_NAME=redis.example.com
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig
	cfg.Addr = config.GetEnv(envRedisAddr, cfg.Addr)
	cfg.Password = config.GetEnv(envRedisPassword, "")
	cfg.DB = config.GetEnvInt(envRedisDB, 0)
	cfg.PoolSize = config.GetEnvInt(envRedisPoolSize, cfg.PoolSize)

	tlsCfg, err := tlsConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.TLS = tlsCfg
	return &cfg, nil
}

func tlsConfigFromEnv() (*tls.Config, error) {
	enabled, err := envBool(envRedisTLS, false)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envRedisTLS, err)
	}
	if !enabled {
		return nil, nil
	}

	caCertPath := strings.TrimSpace(os.Getenv(envRedisCACert))
	certPath := strings.TrimSpace(os.Getenv(envRedisCert))
	keyPath := strings.TrimSpace(os.Getenv(envRedisKey))

	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("%s and %s must be set together", envRedisCert, envRedisKey)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(os.Getenv(envRedisServerName)),
	}

	if caCertPath != "" {
		caBytes, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", envRedisCACert, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("append %s: no valid certificates found", envRedisCACert)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load %s/%s: %w", envRedisCert, envRedisKey, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// strict parse: a typo in REDIS_TLS must not silently disable TLS
func envBool(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(raw)
}
