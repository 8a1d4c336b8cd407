// Package main implements rcc, the operations CLI for the compute-credits
// orchestrator.
//
// rcc drives the same services the API server exposes, from a shell:
//
//	rcc pool record --email dev@example.org --amount-cents 2500
//	rcc pool month --month 2026-07
//	rcc batch run --month 2026-07 --mode dry_run
//	rcc sync invoices --all --month 2026-07
//	rcc keys issue --email dev@example.org
//	rcc wallet address
//	rcc admin sync-keys --init
//
// Configuration comes from environment variables, optionally seeded from a
// .env file (see .env.example). Commands that touch Postgres or Redis need
// those services reachable; pool and batch commands work against the local
// JSON stores alone.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CShear/regen-compute-credits/internal/auth"
	"github.com/CShear/regen-compute-credits/internal/balance"
	"github.com/CShear/regen-compute-credits/internal/batch"
	"github.com/CShear/regen-compute-credits/internal/config"
	"github.com/CShear/regen-compute-credits/internal/gateway"
	"github.com/CShear/regen-compute-credits/internal/keysync"
	"github.com/CShear/regen-compute-credits/internal/ledger"
	"github.com/CShear/regen-compute-credits/internal/orders"
	"github.com/CShear/regen-compute-credits/internal/payment"
	"github.com/CShear/regen-compute-credits/internal/pool"
	"github.com/CShear/regen-compute-credits/internal/retire"
	"github.com/CShear/regen-compute-credits/internal/subsync"
)

var (
	// Version is set during build
	Version   = "dev"
	BuildTime = "unknown"

	verbose bool

	cfg *config.Config
	log zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rcc",
		Short:         "Operations CLI for the Regen compute-credits orchestrator",
		Long:          "rcc operates the contribution pool, monthly retirement batches, invoice sync, verification sessions, and API keys from the command line.",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				Level(level).
				With().
				Timestamp().
				Logger()

			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		versionCmd(),
		poolCmd(),
		batchCmd(),
		syncCmd(),
		authCmd(),
		keysCmd(),
		walletCmd(),
		adminCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rcc %s (built %s)\n", Version, BuildTime)
		},
	}
}

// poolCmd groups commands that read and write the contribution pool.
func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Record and inspect pool contributions",
	}

	var (
		email      string
		userID     string
		customerID string
		amount     int64
		at         string
		source     string
		eventID    string
		tierID     string
	)
	record := &cobra.Command{
		Use:   "record",
		Short: "Record a contribution into the monthly pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			if at == "" {
				at = time.Now().UTC().Format(time.RFC3339)
			}
			result, err := openPool().RecordContribution(ctx, pool.RecordInput{
				UserID:          userID,
				CustomerID:      customerID,
				Email:           email,
				AmountUsdCents:  amount,
				ContributedAt:   at,
				Source:          source,
				ExternalEventID: eventID,
				TierID:          tierID,
			})
			if err != nil {
				return err
			}
			if result.Duplicate {
				log.Warn().Str("external_event_id", eventID).Msg("⚠️ Duplicate event, contribution not re-applied")
			} else {
				log.Info().Str("month", result.Record.Month).Msg("✓ Contribution recorded")
			}
			return printJSON(result)
		},
	}
	record.Flags().StringVar(&email, "email", "", "contributor email")
	record.Flags().StringVar(&userID, "user", "", "contributor user id")
	record.Flags().StringVar(&customerID, "customer", "", "gateway customer id")
	record.Flags().Int64Var(&amount, "amount-cents", 0, "contribution amount in USD cents")
	record.Flags().StringVar(&at, "at", "", "contribution time, RFC 3339 or YYYY-MM-DD (default now)")
	record.Flags().StringVar(&source, "source", pool.SourceOneOff, "contribution source (subscription or one-off)")
	record.Flags().StringVar(&eventID, "event-id", "", "external event id for idempotent replay")
	record.Flags().StringVar(&tierID, "tier", "", "price tier id")
	record.MarkFlagRequired("amount-cents")

	var month string
	monthCmd := &cobra.Command{
		Use:   "month",
		Short: "Show one month's pool summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			summary, err := openPool().GetMonthlySummary(ctx, month)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	monthCmd.Flags().StringVar(&month, "month", "", "month in YYYY-MM form")
	monthCmd.MarkFlagRequired("month")

	var identifier string
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Show one contributor's lifetime summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			summary, err := openPool().GetUserSummary(ctx, identifier)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	userCmd.Flags().StringVar(&identifier, "id", "", "user id, gateway customer id, or email")
	userCmd.MarkFlagRequired("id")

	months := &cobra.Command{
		Use:   "months",
		Short: "List every month with recorded contributions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			totals, err := openPool().ListMonths(ctx)
			if err != nil {
				return err
			}
			return printJSON(totals)
		},
	}

	cmd.AddCommand(record, monthCmd, userCmd, months)
	return cmd
}

// batchCmd groups the monthly retirement driver commands.
func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run and inspect monthly retirement batches",
	}

	var req batch.RunRequest
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one month's pooled retirement",
		Long:  "Syncs paid invoices, sizes the month's budget, selects sell orders, and (in live mode) broadcasts the retirement. dry_run plans and attributes without touching the chain.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Live runs wait on broadcast and indexer confirmation.
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			if req.CreditType == "" {
				req.CreditType = cfg.BatchCreditType
			}
			if req.Reason == "" {
				req.Reason = strings.ReplaceAll(cfg.BatchReason, "{month}", req.Month)
			}

			runner, err := buildBatchRunner()
			if err != nil {
				return err
			}

			result, err := runner.Run(ctx, req)
			if err != nil {
				return err
			}
			if result.Execution != nil && result.Execution.Status == batch.StatusSuccess {
				log.Info().Str("month", req.Month).Str("execution_id", result.Execution.ID).Msg("✓ Batch completed")
			}
			return printJSON(result)
		},
	}
	run.Flags().StringVar(&req.Month, "month", "", "month to reconcile, YYYY-MM")
	run.Flags().StringVar(&req.ExecutionMode, "mode", "dry_run", "execution mode (dry_run or live)")
	run.Flags().StringVar(&req.CreditType, "credit-type", "", "credit type abbreviation (default from BATCH_CREDIT_TYPE)")
	run.Flags().StringVar(&req.Reason, "reason", "", "retirement reason (default from BATCH_REASON)")
	run.Flags().BoolVar(&req.PreflightOnly, "preflight", false, "stop after the dry-run preflight")
	run.Flags().BoolVar(&req.Force, "force", false, "run even if the month already has a completed execution")
	run.Flags().StringVar(&req.SyncScope, "sync-scope", "", "invoice sync scope before the run (all, customer, or none)")
	run.Flags().StringVar(&req.CustomerID, "customer", "", "customer id when --sync-scope=customer")
	run.Flags().IntVar(&req.MaxPages, "max-pages", 0, "invoice pages per customer (default from SYNC_MAX_PAGES)")
	run.MarkFlagRequired("month")

	var month string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a month's batch executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			execs, err := batch.NewStore(cfg.BatchStorePath).ExecutionsForMonth(month)
			if err != nil {
				return err
			}
			return printJSON(execs)
		},
	}
	list.Flags().StringVar(&month, "month", "", "month in YYYY-MM form")
	list.MarkFlagRequired("month")

	cmd.AddCommand(run, list)
	return cmd
}

// syncCmd pulls paid gateway invoices into the pool.
func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync payment-gateway state into the pool",
	}

	var req subsync.Request
	invoices := &cobra.Command{
		Use:   "invoices",
		Short: "Import paid invoices as pool contributions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			gw := gateway.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret, log)
			svc := subsync.NewService(gw, openPool(), cfg.PriceTierMap, cfg.SyncMaxPages, log)

			summary, err := svc.Sync(ctx, req)
			if err != nil {
				return err
			}
			log.Info().
				Int("synced", summary.Synced).
				Int("duplicates", summary.Duplicates).
				Msg("✓ Invoice sync finished")
			return printJSON(summary)
		},
	}
	invoices.Flags().StringVar(&req.CustomerID, "customer", "", "sync a single gateway customer")
	invoices.Flags().StringVar(&req.Email, "email", "", "sync the customer matching this email")
	invoices.Flags().BoolVar(&req.AllCustomers, "all", false, "sync every customer")
	invoices.Flags().StringVar(&req.Month, "month", "", "only import invoices paid in this month (YYYY-MM)")
	invoices.Flags().IntVar(&req.MaxPages, "max-pages", 0, "invoice pages per customer (default from SYNC_MAX_PAGES)")

	cmd.AddCommand(invoices)
	return cmd
}

// authCmd inspects and maintains verification sessions.
func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Inspect and prune verification sessions",
	}

	var email string
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions for a beneficiary email",
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := auth.NewStore(cfg.AuthStorePath).SessionsByEmail(email)
			if err != nil {
				return err
			}
			// Never print verification material.
			for i := range found {
				found[i].EmailCodeHash = ""
				found[i].OAuthStateToken = ""
			}
			return printJSON(found)
		},
	}
	sessions.Flags().StringVar(&email, "email", "", "beneficiary email")
	sessions.MarkFlagRequired("email")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired sessions and recovery tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := auth.NewStore(cfg.AuthStorePath).PruneExpired(time.Now())
			if err != nil {
				return err
			}
			log.Info().Int("removed", removed).Msg("✓ Expired auth records pruned")
			return nil
		},
	}

	cmd.AddCommand(sessions, prune)
	return cmd
}

// keysCmd manages prepaid-account API keys.
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Issue and list API keys",
	}

	var email string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key for an email, creating the account if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := openBalance()
			if err != nil {
				return err
			}
			defer store.Close()

			user, created, err := store.FindOrCreateUserByEmail(ctx, email)
			if err != nil {
				return err
			}
			if created {
				log.Info().Str("user_id", user.ID).Msg("✓ Account created")
			} else {
				log.Warn().Str("user_id", user.ID).Msg("⚠️ Account already exists, showing its key")
			}
			fmt.Println(user.APIKey)
			return nil
		},
	}
	issue.Flags().StringVar(&email, "email", "", "account email")
	issue.MarkFlagRequired("email")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts with masked keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := openBalance()
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := store.ListUsers(ctx, limit)
			if err != nil {
				return err
			}
			for i := range users {
				users[i].APIKey = maskKey(users[i].APIKey)
			}
			return printJSON(users)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum accounts to list")

	cmd.AddCommand(issue, list)
	return cmd
}

// walletCmd inspects the retirement wallet.
func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Inspect the retirement wallet",
	}

	address := &cobra.Command{
		Use:   "address",
		Short: "Print the wallet address derived from the configured mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ledgerClient()
			if err != nil {
				return err
			}
			if !client.HasWallet() {
				return fmt.Errorf("no wallet configured (set WALLET_MNEMONIC)")
			}
			fmt.Println(client.Address())
			return nil
		},
	}

	var denom string
	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Query the wallet's on-chain balance for one denom",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client, err := ledgerClient()
			if err != nil {
				return err
			}
			if !client.HasWallet() {
				return fmt.Errorf("no wallet configured (set WALLET_MNEMONIC)")
			}
			amount, err := client.BankBalance(ctx, client.Address(), denom)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", amount.String(), denom)
			return nil
		},
	}
	balanceCmd.Flags().StringVar(&denom, "denom", "uregen", "denom to query")

	cmd.AddCommand(address, balanceCmd)
	return cmd
}

// adminCmd covers Redis cache maintenance against the account store.
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Maintain the Redis key cache",
	}

	var initCache bool
	syncKeys := &cobra.Command{
		Use:   "sync-keys",
		Short: "Push API keys from Postgres into the Redis cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, rdb, syncer, err := openSyncer()
			if err != nil {
				return err
			}
			defer store.Close()
			defer rdb.Close()

			if initCache {
				if err := syncer.InitializeRedis(ctx); err != nil {
					return err
				}
				log.Info().Msg("✓ Redis cache rebuilt from Postgres")
				return nil
			}
			if err := syncer.SyncAPIKeys(ctx); err != nil {
				return err
			}
			log.Info().Msg("✓ API keys synced to Redis")
			return nil
		},
	}
	syncKeys.Flags().BoolVar(&initCache, "init", false, "rebuild the whole cache instead of keys only")

	var sample int
	verify := &cobra.Command{
		Use:   "verify-integrity",
		Short: "Sample accounts and compare the Redis cache against Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, rdb, syncer, err := openSyncer()
			if err != nil {
				return err
			}
			defer store.Close()
			defer rdb.Close()

			mismatches, err := syncer.VerifyIntegrity(ctx, sample)
			if err != nil {
				return err
			}
			if mismatches > 0 {
				return fmt.Errorf("%d cache entries disagree with postgres", mismatches)
			}
			log.Info().Int("sampled", sample).Msg("✓ Cache matches Postgres")
			return nil
		},
	}
	verify.Flags().IntVar(&sample, "sample", 100, "number of accounts to sample")

	cmd.AddCommand(syncKeys, verify)
	return cmd
}

func openPool() *pool.Service {
	return pool.NewService(pool.NewStore(cfg.PoolStorePath), log)
}

func openBalance() (*balance.Store, error) {
	store, err := balance.New(cfg.PostgresURL, nil, log)
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}
	return store, nil
}

func openSyncer() (*balance.Store, *redis.Client, *keysync.Syncer, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	store, err := openBalance()
	if err != nil {
		rdb.Close()
		return nil, nil, nil, err
	}
	return store, rdb, keysync.New(rdb, store.DB(), log), nil
}

func ledgerClient() (*ledger.Client, error) {
	client, err := ledger.NewClient(ledger.Config{
		RESTURL:          cfg.LedgerRESTURL,
		IndexerURL:       cfg.LedgerIndexerURL,
		ChainID:          cfg.LedgerChainID,
		FeeDenom:         cfg.LedgerFeeDenom,
		FeeAmount:        cfg.LedgerFeeAmount,
		GasLimit:         cfg.LedgerGasLimit,
		Bech32Prefix:     cfg.WalletBech32Prefix,
		Mnemonic:         cfg.WalletMnemonic,
		BroadcastTimeout: cfg.LedgerBroadcastTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("ledger client: %w", err)
	}
	return client, nil
}

// buildBatchRunner assembles the full retirement stack the monthly driver
// needs: chain client, payment provider, order selector, retirement service,
// pool, and invoice sync.
func buildBatchRunner() (*batch.Runner, error) {
	client, err := ledgerClient()
	if err != nil {
		return nil, err
	}

	gw := gateway.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret, log)

	var provider payment.Provider
	switch cfg.PaymentMode {
	case "stripe":
		provider = payment.NewStripe(gw, cfg.StripeCustomerID, cfg.StripePaymentMethodID, cfg.USDCDenoms, log)
	default:
		provider = payment.NewNative(client, client.Address(), log)
	}

	selector := orders.New(client, cfg.LedgerFeeDenom, log)
	// Pooled retirements spend the pool, not a prepaid account, so the
	// retirer runs without a balance store here.
	retirer := retire.NewService(client, selector, provider, nil, cfg.USDCDenoms, cfg.MarketplaceURL, log)

	poolSvc := openPool()
	syncSvc := subsync.NewService(gw, poolSvc, cfg.PriceTierMap, cfg.SyncMaxPages, log)
	store := batch.NewStore(cfg.BatchStorePath)

	return batch.NewRunner(store, poolSvc, syncSvc, selector, retirer, cfg.PreferredDenom(), cfg.BatchFeeBps, cfg.RetirementJurisdiction, log), nil
}

func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "…" + key[len(key)-4:]
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
