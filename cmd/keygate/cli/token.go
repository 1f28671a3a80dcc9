package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/token"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage issued tokens",
		Long:  "List, mint, and revoke the signed tokens issued in exchange for the upstream API key.",
	}

	cmd.AddCommand(newTokenListCmd())
	cmd.AddCommand(newTokenMintCmd())
	cmd.AddCommand(newTokenRevokeCmd())

	return cmd
}

// ---------- token list ----------

func newTokenListCmd() *cobra.Command {
	var (
		jsonOutput bool
		all        bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List issued tokens",
		Long:    "List the active token (and, with --all, the archived audit trail). Only the token's signature tail is shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenList(jsonOutput, all)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&all, "all", false, "Include archived (revoked) tokens")

	return cmd
}

func runTokenList(jsonOutput, all bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openTokenStore(cfg)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer st.Close()

	ctx, cancel := ctxWithTimeout()
	defer cancel()

	records, err := st.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	type tokenRow struct {
		Token      string `json:"token"`
		Created    string `json:"created"`
		LastAccess string `json:"last_access"`
		Archived   bool   `json:"archived"`
	}

	rows := make([]tokenRow, 0, len(records))
	for _, rec := range records {
		if rec.Archived && !all {
			continue
		}
		rows = append(rows, tokenRow{
			Token:      "..." + rec.Abbrev(),
			Created:    rec.CreatedTime().Format(time.RFC3339),
			LastAccess: time.UnixMilli(rec.LastAccess).Format(time.RFC3339),
			Archived:   rec.Archived,
		})
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No tokens issued. Use 'keygate token mint' or POST /get-jwt to create one.")
		return nil
	}

	fmt.Printf("%-12s %-25s %-25s %-8s\n", "TOKEN", "CREATED", "LAST ACCESS", "ARCHIVED")
	fmt.Printf("%-12s %-25s %-25s %-8s\n", "-----", "-------", "-----------", "--------")
	for _, row := range rows {
		archived := "no"
		if row.Archived {
			archived = "yes"
		}
		fmt.Printf("%-12s %-25s %-25s %-8s\n", row.Token, row.Created, row.LastAccess, archived)
	}

	return nil
}

// ---------- token mint ----------

func newTokenMintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a token directly from the upstream API key",
		Long: `Run the credential exchange locally, without the HTTP endpoint. The upstream
API key is read from the terminal so it never appears in the process list or
shell history. The minted token is printed once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenMint()
		},
	}

	return cmd
}

func runTokenMint() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Print("Upstream API key: ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	fmt.Println()
	upstreamKey := strings.TrimSpace(string(keyBytes))

	if !service.ValidUpstreamKey(upstreamKey) {
		return fmt.Errorf("key does not match the accepted format (sk-..., pk-..., org-...)")
	}

	st, err := openTokenStore(cfg)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec := token.NewCodec(token.DeriveSecret(cfg.Auth.JWTSecret))
	broker := service.NewBroker(st, codec, cfg.TokenTTL(), logger)

	ctx, cancel := ctxWithTimeout()
	defer cancel()

	res, err := broker.Exchange(ctx, upstreamKey)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	fmt.Println()
	switch res.Outcome {
	case service.OutcomeAdded:
		fmt.Println("Token minted:")
	case service.OutcomeUpdated:
		fmt.Println("Expired token replaced:")
	default:
		fmt.Println("Existing token is still valid:")
	}
	fmt.Println()
	fmt.Printf("  %s\n", res.Token)
	fmt.Println()
	fmt.Printf("  Expires in %s. Clients should send it as 'Authorization: Bearer <token>'.\n", cfg.TokenTTL())
	return nil
}

// ---------- token revoke ----------

func newTokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <token-tail>",
		Short: "Revoke a token by its signature tail",
		Long:  "Archive the token, refusing any further requests that present it. Clients must run the exchange again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenRevoke(args[0])
		},
	}

	return cmd
}

func runTokenRevoke(suffix string) error {
	if suffix == "" {
		return fmt.Errorf("token tail is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openTokenStore(cfg)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer st.Close()

	ctx, cancel := ctxWithTimeout()
	defer cancel()

	n, err := st.ArchiveBySuffix(ctx, suffix)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no active token found ending in %q", suffix)
	}

	fmt.Printf("Revoked %d token(s) ending in %q\n", n, suffix)
	return nil
}
