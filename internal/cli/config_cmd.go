package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set configuration values",
	}

	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigUnsetCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// keyCmd builds a config subcommand that operates on one key of the raw
// config file. The first argument is always the key path.
func keyCmd(use, short string, nargs int, fn func(raw map[string]any, key config.KeyPath, args []string) (save bool, err error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.ParseKeyPath(args[0])
			if err != nil {
				return err
			}
			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				return err
			}
			save, err := fn(raw, key, args[1:])
			if err != nil || !save {
				return err
			}
			return config.SaveRaw(paths.Config, raw)
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return keyCmd("get <key>", "Get a configuration value", 1,
		func(raw map[string]any, key config.KeyPath, _ []string) (bool, error) {
			val, ok := key.Get(raw)
			if !ok {
				return false, fmt.Errorf("key %q not found", key)
			}
			return false, printValue(val)
		})
}

func newConfigSetCmd() *cobra.Command {
	return keyCmd("set <key> <value>", "Set a configuration value", 2,
		func(raw map[string]any, key config.KeyPath, args []string) (bool, error) {
			value := parseValue(args[0])
			key.Set(raw, value)
			fmt.Printf("%s = %v\n", key, value)
			return true, nil
		})
}

func newConfigUnsetCmd() *cobra.Command {
	return keyCmd("unset <key>", "Remove a configuration value", 1,
		func(raw map[string]any, key config.KeyPath, _ []string) (bool, error) {
			if !key.Unset(raw) {
				return false, fmt.Errorf("key %q not found", key)
			}
			fmt.Printf("removed %s\n", key)
			return true, nil
		})
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(paths.Config)
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file for problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			issues := config.Validate(&cfg)
			for _, issue := range issues {
				fmt.Printf("  - %s\n", issue)
			}
			if len(issues) > 0 {
				return fmt.Errorf("%d issue(s) found", len(issues))
			}
			fmt.Println("Config OK")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			redact := func(s *string) {
				if *s != "" {
					*s = "********"
				}
			}
			redact(&cfg.Gateway.Auth.Token)
			redact(&cfg.Gateway.Auth.Password)
			redact(&cfg.Gateway.IngestToken)
			redact(&cfg.Delivery.Webhook.Token)
			redact(&cfg.Feed.URL)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func printValue(v any) error {
	switch v.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	default:
		fmt.Println(v)
	}
	return nil
}

// parseValue reads a command line value as a bool, integer or float when
// it spells one exactly, and as a string otherwise.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
