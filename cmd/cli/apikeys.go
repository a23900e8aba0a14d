// This file implements API key commands. Keys live in the api.api_keys
// section of the daemon config, so these commands generate and inspect
// entries rather than talking to the daemon.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanqueue/internal/auth"
)

var (
	apiKeyName  string
	apiKeyPlain bool
)

var apiKeysCmd = &cobra.Command{
	Use:     "apikeys",
	Aliases: []string{"apikey", "keys"},
	Short:   "Generate and inspect API keys",
	Long: `Generate and inspect the API keys the daemon accepts.

Keys are configured under api.api_keys in the daemon config, either as a
bcrypt hash (recommended) or as a plain key, usually injected from the
environment with ${VAR}. Clients present a key in the X-API-Key header or
as a bearer token; set SCANQUEUE_API_KEY for the CLI.

Examples:
  # Generate a key for the CI pipeline and paste the printed entry into the config
  scanqueue apikeys generate --name ci

  # Hash an existing key read from stdin
  echo -n "$KEY" | scanqueue apikeys hash --name legacy

  # List configured keys without revealing them
  scanqueue apikeys list`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

var apiKeysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key and its config entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		generated, err := auth.GenerateAPIKey(apiKeyName)
		if err != nil {
			return err
		}
		entry := auth.Key{Name: generated.Name, Hash: generated.Hash}
		if apiKeyPlain {
			entry = auth.Key{Name: generated.Name, Key: generated.Key}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "API key: %s\n", generated.Key)
		fmt.Fprintln(out, "Store it now; it cannot be recovered from the hash.")
		fmt.Fprintln(out)
		return printKeyEntry(out, entry)
	},
}

var apiKeysHashCmd = &cobra.Command{
	Use:   "hash [key]",
	Short: "Hash an existing key for the config",
	Long:  "Hash an existing key. The key is read from the argument or, when omitted, from stdin.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("failed to read key: %w", err)
			}
			key = strings.TrimSpace(line)
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		return printKeyEntry(cmd.OutOrStdout(), auth.Key{Name: apiKeyName, Hash: hash})
	},
}

var apiKeysListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the keys configured for the daemon",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keys := cfg.API.APIKeys
		type keyView struct {
			Name   string `json:"name"`
			Kind   string `json:"kind"`
			Prefix string `json:"prefix,omitempty"`
		}
		views := make([]keyView, 0, len(keys))
		for _, k := range keys {
			v := keyView{Name: k.Name, Kind: "hashed"}
			if k.Hash == "" {
				v.Kind = "plain"
				v.Prefix = auth.DisplayPrefix(k.Key)
			}
			views = append(views, v)
		}
		return render(cmd.OutOrStdout(), views, func(w io.Writer) {
			if len(views) == 0 {
				fmt.Fprintln(w, "No API keys configured; authentication is disabled.")
				return
			}
			table := newTable(w, "Name", "Kind", "Prefix")
			for _, v := range views {
				_ = table.Append([]string{v.Name, v.Kind, v.Prefix})
			}
			_ = table.Render()
		})
	},
}

func init() {
	apiKeysGenerateCmd.Flags().StringVar(&apiKeyName, "name", "", "key name (required)")
	_ = apiKeysGenerateCmd.MarkFlagRequired("name")
	apiKeysGenerateCmd.Flags().BoolVar(&apiKeyPlain, "plain", false, "emit the plain key instead of its hash")
	apiKeysHashCmd.Flags().StringVar(&apiKeyName, "name", "", "key name (required)")
	_ = apiKeysHashCmd.MarkFlagRequired("name")

	apiKeysCmd.AddCommand(apiKeysGenerateCmd, apiKeysHashCmd, apiKeysListCmd)
	rootCmd.AddCommand(apiKeysCmd)
}

// printKeyEntry prints a ready-to-paste api.api_keys entry.
func printKeyEntry(w io.Writer, entry auth.Key) error {
	item := map[string]string{"name": entry.Name}
	if entry.Hash != "" {
		item["hash"] = entry.Hash
	} else {
		item["key"] = entry.Key
	}
	data, err := yaml.Marshal(map[string]interface{}{
		"api": map[string]interface{}{
			"api_keys": []map[string]string{item},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to render config entry: %w", err)
	}
	fmt.Fprintln(w, "Config entry:")
	_, err = w.Write(data)
	return err
}
