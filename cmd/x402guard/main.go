package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vitwit/x402guard"
	"github.com/vitwit/x402guard/clients"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/ratelimit"
	"github.com/vitwit/x402guard/store"
	"github.com/vitwit/x402guard/types"
	"github.com/vitwit/x402guard/verification"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cobra.OnInitialize(loadSettings)

	rootCmd := &cobra.Command{
		Use:           "x402guard",
		Short:         "Administer the x402guard payment ledger",
		Version:       x402guard.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("driver", "sqlite", "database driver (sqlite, mysql)")
	flags.String("dsn", "x402guard.db", "database file (sqlite) or DSN (mysql)")
	flags.String("redis-addr", "", "keep rate-limit windows in Redis at this address")
	flags.String("rpc-url", "", "EVM JSON-RPC endpoint used to verify and settle payments")
	flags.String("network", string(types.NetworkBase), "network the RPC endpoint serves")
	flags.StringSlice("token", nil, "accepted token as CURRENCY=ADDRESS:DECIMALS (repeatable)")
	flags.Uint64("confirmations", 1, "blocks required before a payment counts as settled")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Duration("timeout", 30*time.Second, "per-command timeout")
	_ = viper.BindPFlags(flags)

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rateLimitCmd())
	rootCmd.AddCommand(nonceCmd())
	rootCmd.AddCommand(paymentCmd())

	return rootCmd
}

// loadSettings layers .env, x402guard.yaml and X402GUARD_* variables under the flags.
func loadSettings() {
	_ = godotenv.Load()

	viper.SetEnvPrefix("X402GUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("x402guard")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: ignoring config file: %v\n", err)
		}
	}
}

// session is an opened guard plus what must be released with it.
type session struct {
	guard  *x402guard.Guard
	db     *gorm.DB
	logger *logger.ZapLogger
	redis  *redis.Client
	chain  *clients.EVMClient
}

func (s *session) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.chain != nil {
		s.chain.Close()
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = s.logger.Sync()
}

func openSession(ctx context.Context) (*session, error) {
	zl, err := logger.NewZapLogger(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	db, err := store.Open(ctx, viper.GetString("driver"), viper.GetString("dsn"))
	if err != nil {
		return nil, err
	}

	s := &session{db: db, logger: zl}
	cfg := x402guard.DefaultConfig()
	cfg.DefaultTimeout = viper.GetDuration("timeout")
	opts := []x402guard.Option{
		x402guard.WithConfig(cfg),
		x402guard.WithLogger(zl),
	}

	if addr := viper.GetString("redis-addr"); addr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: addr})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
		}
		opts = append(opts, x402guard.WithRateLimitStore(ratelimit.NewRedisStore(s.redis, "")))
	}

	if rpcURL := viper.GetString("rpc-url"); rpcURL != "" {
		tokens := make(map[string]clients.Token)
		for _, spec := range viper.GetStringSlice("token") {
			currency, token, err := clients.ParseToken(spec)
			if err != nil {
				s.Close()
				return nil, err
			}
			tokens[currency] = token
		}
		network := types.Network(viper.GetString("network"))
		s.chain, err = clients.DialEVM(ctx, network, rpcURL, tokens,
			clients.WithConfirmations(viper.GetUint64("confirmations")))
		if err != nil {
			s.Close()
			return nil, err
		}
		opts = append(opts,
			x402guard.WithVerifier(verification.MatchVerifier{Source: s.chain}),
			x402guard.WithSettler(s.chain),
		)
	}

	s.guard, err = x402guard.New(db, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// withSession runs fn against a freshly opened guard under the command timeout.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, g *x402guard.Guard) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s.guard)
}

// operator identifies CLI-initiated changes in the audit trail.
func operator() types.RequestContext {
	return types.RequestContext{UserAgent: "x402guard-cli/" + x402guard.Version}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
