package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/sentryai/sentry/internal/config"
	"github.com/sentryai/sentry/internal/llm"
	"github.com/sentryai/sentry/internal/tools"
	"github.com/sentryai/sentry/internal/tools/docgen"
	"github.com/sentryai/sentry/internal/tools/pack"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Manage the tool schema registry",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tool schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient().Tools(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, list)
		}
		headers := []string{"NAME", "VERSION", "CATEGORY", "PARAMS", "TIMEOUT", "DESCRIPTION"}
		rows := make([][]string, 0, len(list.Tools))
		for _, t := range list.Tools {
			version := t.Version
			if version == "" {
				version = "-"
			}
			rows = append(rows, []string{
				t.Name,
				version,
				t.Category,
				strconv.Itoa(len(t.Params)),
				t.Timeout().String(),
				Truncate(t.Description, 48),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d tools\n", list.Total)
		return nil
	},
}

var toolsGetFormat string

var toolsGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one tool schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := apiClient().Tool(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeSchema(os.Stdout, *schema, toolsGetFormat)
	},
}

var toolsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a tool schema from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteTool(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Tool %s deleted\n", args[0])
		return nil
	},
}

var toolsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Register a tool schema from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var schema tools.Schema
		// YAML is a superset here: JSON input parses through the same path.
		if err := yaml.Unmarshal(raw, &schema); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		out, err := apiClient().PutTool(cmd.Context(), schema)
		if err != nil {
			return err
		}
		fmt.Printf("Tool %s registered (%d parameters)\n", out.Name, len(out.Params))
		return nil
	},
}

var toolsExportFormat string

var toolsExportCmd = &cobra.Command{
	Use:   "export <name>",
	Short: "Print a tool schema as YAML or JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := apiClient().Tool(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeSchema(os.Stdout, *schema, toolsExportFormat)
	},
}

func writeSchema(out *os.File, schema tools.Schema, format string) error {
	switch strings.ToLower(format) {
	case "", "yaml":
		raw, err := yaml.Marshal(schema)
		if err != nil {
			return err
		}
		_, err = out.Write(raw)
		return err
	case "json":
		return PrintJSON(out, schema)
	default:
		return fmt.Errorf("unknown format %q (yaml or json)", format)
	}
}

var (
	documentBinary   string
	documentToolsDir string
	documentImage    string
	documentModel    bool
	documentRegister bool
)

var toolsDocumentCmd = &cobra.Command{
	Use:   "document <name>",
	Short: "Generate a schema for a binary by probing its help output",
	Long: `Document runs the binary's --help and -version probes and derives a
schema from the flag listing. With --model the configured model provider
refines the result; without it a regex parse is used.

The schema prints to stdout; --register uploads it to the server as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := &docgen.Documenter{
			ToolsDir: documentToolsDir,
			Log:      zap.NewNop(),
		}
		if documentModel {
			client, err := modelFromEnv()
			if err != nil {
				return err
			}
			d.Model = client
		}
		schema, err := d.Document(cmd.Context(), args[0], documentBinary)
		if err != nil {
			return err
		}
		if documentImage != "" {
			schema.Image = documentImage
		}
		if documentRegister {
			if _, err := apiClient().PutTool(cmd.Context(), schema); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Tool %s registered\n", schema.Name)
		}
		format := "yaml"
		if flagJSON {
			format = "json"
		}
		return writeSchema(os.Stdout, schema, format)
	},
}

var (
	packUser      string
	packPassword  string
	packPlainHTTP bool
	pullDest      string
)

func packClient() *pack.Client {
	c := pack.NewClient()
	user := packUser
	pass := packPassword
	if user == "" {
		user = os.Getenv("SENTRY_REGISTRY_USER")
	}
	if pass == "" {
		pass = os.Getenv("SENTRY_REGISTRY_PASSWORD")
	}
	if user != "" || pass != "" {
		c = c.WithAuth(user, pass)
	}
	if packPlainHTTP {
		c = c.WithPlainHTTP(true)
	}
	return c
}

var toolsPushCmd = &cobra.Command{
	Use:   "push <dir> <ref>",
	Short: "Pack a schema directory and push it to an OCI registry",
	Example: `  sentryctl tools push ./schemas ghcr.io/acme/recon-pack:v1
  sentryctl tools push ./schemas localhost:5000/pack:dev --plain-http`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := pack.ParseRef(args[1])
		if err != nil {
			return err
		}
		res, err := packClient().Push(cmd.Context(), args[0], ref)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, res)
		}
		fmt.Printf("Pushed: %s\n", res.Ref)
		fmt.Printf("Digest: %s\n", res.Digest)
		fmt.Printf("Tools: %s\n", strings.Join(res.Tools, ", "))
		return nil
	},
}

var toolsPullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Pull a schema pack from an OCI registry into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := pack.ParseRef(args[0])
		if err != nil {
			return err
		}
		dest := pullDest
		if dest == "" {
			dest = "."
		}
		res, err := packClient().PullToDir(cmd.Context(), ref, dest)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, res)
		}
		fmt.Printf("Pulled: %s\n", res.Ref)
		fmt.Printf("Digest: %s\n", res.Digest)
		fmt.Printf("Files: %d under %s\n", len(res.Files), dest)
		return nil
	},
}

// modelFromEnv builds a model client from the same configuration sentryd
// and the worker read, so LLM_PROVIDER / LLM_API_KEY work everywhere.
func modelFromEnv() (llm.Client, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	if !cfg.HasLLM() {
		return nil, fmt.Errorf("no model provider configured, set LLM_API_KEY or LLM_BASE_URL")
	}
	return llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
}

func init() {
	toolsGetCmd.Flags().StringVar(&toolsGetFormat, "format", "yaml", "output format (yaml or json)")
	toolsExportCmd.Flags().StringVar(&toolsExportFormat, "format", "yaml", "output format (yaml or json)")

	toolsDocumentCmd.Flags().StringVar(&documentBinary, "binary", "", "path to the binary (default: search PATH and --tools-dir)")
	toolsDocumentCmd.Flags().StringVar(&documentToolsDir, "tools-dir", "", "extra directory to search for the binary")
	toolsDocumentCmd.Flags().StringVar(&documentImage, "image", "", "container image workers run the tool in")
	toolsDocumentCmd.Flags().BoolVar(&documentModel, "model", false, "refine the schema with the configured model provider")
	toolsDocumentCmd.Flags().BoolVar(&documentRegister, "register", false, "also register the schema with the server")

	toolsPushCmd.Flags().StringVar(&packUser, "registry-user", "", "registry username (or SENTRY_REGISTRY_USER)")
	toolsPushCmd.Flags().StringVar(&packPassword, "registry-password", "", "registry password (or SENTRY_REGISTRY_PASSWORD)")
	toolsPushCmd.Flags().BoolVar(&packPlainHTTP, "plain-http", false, "use HTTP instead of HTTPS for the registry")
	toolsPullCmd.Flags().StringVar(&packUser, "registry-user", "", "registry username (or SENTRY_REGISTRY_USER)")
	toolsPullCmd.Flags().StringVar(&packPassword, "registry-password", "", "registry password (or SENTRY_REGISTRY_PASSWORD)")
	toolsPullCmd.Flags().BoolVar(&packPlainHTTP, "plain-http", false, "use HTTP instead of HTTPS for the registry")
	toolsPullCmd.Flags().StringVar(&pullDest, "dest", "", "destination directory (default: current)")

	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsGetCmd)
	toolsCmd.AddCommand(toolsDeleteCmd)
	toolsCmd.AddCommand(toolsImportCmd)
	toolsCmd.AddCommand(toolsExportCmd)
	toolsCmd.AddCommand(toolsDocumentCmd)
	toolsCmd.AddCommand(toolsPushCmd)
	toolsCmd.AddCommand(toolsPullCmd)
}
