package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentryai/sentry/internal/auth"
	"github.com/sentryai/sentry/internal/config"
)

// keysCmd operates on the auth database directly rather than over REST:
// key material never crosses the network, and keys can be created before
// the server has any.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys (operates on the auth database directly)",
}

var keysDataDir string

func openKeyStore() (*auth.KeyStore, error) {
	dir := keysDataDir
	if dir == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		dir = cfg.DataDir
	}
	return auth.NewKeyStore(filepath.Join(dir, "auth.db"))
}

var knownPerms = map[string]auth.Permission{
	string(auth.PermMissionRead):      auth.PermMissionRead,
	string(auth.PermMissionWrite):     auth.PermMissionWrite,
	string(auth.PermFindingRead):      auth.PermFindingRead,
	string(auth.PermToolManage):       auth.PermToolManage,
	string(auth.PermScheduleManage):   auth.PermScheduleManage,
	string(auth.PermIntegrationWrite): auth.PermIntegrationWrite,
	string(auth.PermAdmin):            auth.PermAdmin,
}

func parsePermissions(raw string) ([]auth.Permission, error) {
	seen := map[auth.Permission]struct{}{}
	var perms []auth.Permission
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		perm, ok := knownPerms[p]
		if !ok {
			return nil, fmt.Errorf("unknown permission %q", p)
		}
		if _, dup := seen[perm]; dup {
			continue
		}
		seen[perm] = struct{}{}
		perms = append(perms, perm)
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	return perms, nil
}

var (
	keyName    string
	keyPerms   string
	keyExpires string
)

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key",
	Long: `Create mints a key and prints it once. Only the hash is stored; the
plaintext cannot be recovered later.

Permissions: mission:read, mission:write, finding:read, tool:manage,
schedule:manage, integration:manage, admin.`,
	Example: `  sentryctl keys create --name ci --perms mission:read,finding:read
  sentryctl keys create --name ops --perms admin --expires 2027-01-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyName == "" {
			return fmt.Errorf("--name is required")
		}
		perms, err := parsePermissions(keyPerms)
		if err != nil {
			return err
		}
		var expiresAt *time.Time
		if keyExpires != "" {
			t, err := time.Parse("2006-01-02", keyExpires)
			if err != nil {
				return fmt.Errorf("--expires must be YYYY-MM-DD: %w", err)
			}
			expiresAt = &t
		}

		ks, err := openKeyStore()
		if err != nil {
			return err
		}
		defer ks.Close()

		key, plain, err := ks.Create(keyName, perms, expiresAt)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, map[string]any{"key": key, "plain_key": plain})
		}
		fmt.Printf("Key: %s\n", plain)
		fmt.Printf("ID: %s\n", key.ID)
		fmt.Printf("Name: %s\n", key.Name)
		fmt.Printf("Permissions: %s\n", joinPerms(key.Permissions))
		if key.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", FormatTimeOrDash(*key.ExpiresAt))
		}
		fmt.Println("\nStore this key now; it is shown only once.")
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, err := openKeyStore()
		if err != nil {
			return err
		}
		defer ks.Close()

		keys := ks.List()
		if flagJSON {
			return PrintJSON(os.Stdout, keys)
		}
		headers := []string{"ID", "NAME", "PREFIX", "PERMISSIONS", "ENABLED", "EXPIRES"}
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			expires := "-"
			if k.ExpiresAt != nil {
				expires = FormatTimeOrDash(*k.ExpiresAt)
			}
			rows = append(rows, []string{
				k.ID,
				k.Name,
				k.KeyPrefix,
				joinPerms(k.Permissions),
				strconv.FormatBool(k.Enabled),
				expires,
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d keys\n", len(keys))
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Disable a key without deleting its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, err := openKeyStore()
		if err != nil {
			return err
		}
		defer ks.Close()
		if err := ks.Revoke(args[0]); err != nil {
			return err
		}
		fmt.Printf("Key %s revoked\n", args[0])
		return nil
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a key record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, err := openKeyStore()
		if err != nil {
			return err
		}
		defer ks.Close()
		if err := ks.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Key %s deleted\n", args[0])
		return nil
	},
}

func joinPerms(perms []auth.Permission) string {
	parts := make([]string, 0, len(perms))
	for _, p := range perms {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, ",")
}

func init() {
	keysCmd.PersistentFlags().StringVar(&keysDataDir, "data-dir", "", "data directory holding auth.db (default: server config)")

	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "key name")
	keysCreateCmd.Flags().StringVar(&keyPerms, "perms", "", "comma-separated permissions")
	keysCreateCmd.Flags().StringVar(&keyExpires, "expires", "", "expiry date (YYYY-MM-DD)")

	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysDeleteCmd)
}
