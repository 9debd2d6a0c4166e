// Command payctl is the operator CLI for the orchestrator: schema migrations,
// provider catalog checks and signing test webhooks.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"creatorpay/internal/catalog"
	"creatorpay/internal/common/database"
	"creatorpay/internal/payments"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "payctl",
		Short:         "Operate the creatorpay orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(signWebhookCmd())
	root.AddCommand(catalogCmd())

	return root
}

func migrateCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			mg, err := database.NewMigrator(databaseURL, logger)
			if err != nil {
				return err
			}
			defer mg.Close()

			if args[0] == "down" {
				return mg.Down()
			}
			return mg.Up()
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")

	return cmd
}

func signWebhookCmd() *cobra.Command {
	var (
		provider    string
		secret      string
		file        string
		catalogFile string
	)

	cmd := &cobra.Command{
		Use:   "sign-webhook",
		Short: "Print the signature header for a webhook body",
		Long: `Sign a webhook body the way the named provider does, for replaying
callbacks against a local orchestrator.

Examples:
  payctl sign-webhook --provider stripe --secret whsec_x --file body.json
  cat body.json | payctl sign-webhook --provider paxum --secret s --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(catalogFile)
			if err != nil {
				return err
			}
			scheme, ok := cat.Schemes()[provider]
			if !ok {
				return fmt.Errorf("provider %q has no webhook scheme in the catalog", provider)
			}
			if secret == "" {
				secret = cat.Secrets(os.Getenv)(provider)
			}
			if secret == "" {
				return fmt.Errorf("--secret is required when the provider secret is not in the environment")
			}

			body, err := readBody(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", scheme.Header, scheme.Sign(body, secret))
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider id")
	cmd.Flags().StringVar(&secret, "secret", "", "webhook secret (defaults to the provider's secret env var)")
	cmd.Flags().StringVar(&file, "file", "-", "body file, - for stdin")
	cmd.Flags().StringVar(&catalogFile, "catalog", os.Getenv("PROVIDER_CATALOG_FILE"), "provider catalog file (built-in catalog if empty)")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect provider catalogs",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a provider catalog and summarise it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(file)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), cat)
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "catalog file (built-in catalog if empty)")

	cmd.AddCommand(validate)
	return cmd
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func readBody(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

func printCatalog(w io.Writer, cat *catalog.Catalog) {
	var payment, payout []string
	for _, d := range cat.Providers {
		if d.Kind == payments.KindPayout {
			payout = append(payout, d.ID)
		} else {
			payment = append(payment, d.ID)
		}
	}
	sort.Strings(payment)
	sort.Strings(payout)

	routes := make([]string, 0, len(cat.Routes))
	for key := range cat.Routes {
		routes = append(routes, key)
	}
	sort.Strings(routes)

	fmt.Fprintln(w, "catalog OK")
	fmt.Fprintf(w, "payment providers (%d): %s\n", len(payment), strings.Join(payment, ", "))
	fmt.Fprintf(w, "payout providers (%d): %s\n", len(payout), strings.Join(payout, ", "))
	fmt.Fprintf(w, "high value threshold: %d\n", cat.HighValueThreshold)
	for _, key := range routes {
		fmt.Fprintf(w, "  %-16s %s\n", key, strings.Join(cat.Routes[key], " -> "))
	}
}
