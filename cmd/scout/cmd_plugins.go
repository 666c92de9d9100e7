package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/ipc"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/plugins"
	"github.com/user/scout/internal/types"
)

func init() {
	rootCmd.AddCommand(pluginsCmd)
	pluginsCmd.AddCommand(pluginsListCmd, pluginsLoadCmd, pluginsUnloadCmd)

	pluginsLoadCmd.Flags().String("instance", "", "instance id (defaults to the plugin id)")
	pluginsLoadCmd.Flags().StringArray("set", nil, "settings value as key=value (repeatable)")
	pluginsLoadCmd.Flags().Bool("onboard", false, "run the plugin's interactive setup first")
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available, configured and loaded plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Plugins(cmd.Context())
		if errors.Is(err, ipc.ErrNotRunning) {
			cfg := loadConfig()
			resp = &ipc.PluginsResponse{Configured: cfg.Plugins, Available: plugins.Catalog().List()}
		} else if err != nil {
			return err
		}

		loaded := make(map[string]plugin.LoadedInfo, len(resp.Loaded))
		for _, l := range resp.Loaded {
			loaded[l.InstanceID] = l
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE\tPLUGIN\tENABLED\tSTATE")
		for _, p := range resp.Configured {
			state := "stopped"
			if l, ok := loaded[p.InstanceID]; ok {
				state = "loaded " + humanize.Time(l.LoadedAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", p.InstanceID, p.PluginID, p.IsEnabled(), state)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AVAILABLE\tNAME\tDESCRIPTION")
		for _, m := range resp.Available {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, m.Description)
		}
		return w.Flush()
	},
}

var pluginsLoadCmd = &cobra.Command{
	Use:   "load <plugin-id>",
	Short: "Enable a plugin instance and persist it to settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pluginID := args[0]
		instanceID, _ := cmd.Flags().GetString("instance")
		if instanceID == "" {
			instanceID = pluginID
		}
		pairs, _ := cmd.Flags().GetStringArray("set")
		onboardFlag, _ := cmd.Flags().GetBool("onboard")

		module, ok := plugins.Catalog()[pluginID]
		if !ok {
			return fmt.Errorf("%w: %s", plugin.ErrUnknownPlugin, pluginID)
		}
		cfg := loadConfig()

		settings := map[string]any{}
		if onboardFlag {
			if module.Onboarding == nil {
				return fmt.Errorf("plugin %s has no interactive setup", pluginID)
			}
			onboarded, err := module.Onboarding(cmd.Context(), &plugin.OnboardingAPI{
				InstanceID: instanceID,
				PluginID:   pluginID,
				Auth:       authStore(cfg),
				Prompt:     newLinePrompter(os.Stdin, os.Stdout),
			})
			if err != nil {
				return fmt.Errorf("onboarding: %w", err)
			}
			if onboarded == nil {
				fmt.Println("Setup cancelled.")
				return nil
			}
			maps.Copy(settings, onboarded)
		}
		for _, pair := range pairs {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid --set %q, expected key=value", pair)
			}
			settings[key] = config.ParseValue(value)
		}

		req := ipc.PluginLoadRequest{PluginID: pluginID, InstanceID: instanceID}
		if len(settings) > 0 {
			req.Settings = settings
		}
		err := newClient().LoadPlugin(cmd.Context(), req)
		if errors.Is(err, ipc.ErrNotRunning) {
			if err := enableOffline(module, instanceID, req.Settings); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Plugin %s saved to settings; it loads when the engine starts.\n", instanceID)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Plugin %s loaded.\n", instanceID)
		return nil
	},
}

// enableOffline validates and writes the instance straight to the settings
// file when no engine is running.
func enableOffline(module plugin.Module, instanceID string, settings map[string]any) error {
	_, err := config.Update(cfgPath, func(s *config.Settings) error {
		entry, ok := s.Plugin(instanceID)
		if !ok {
			entry = config.PluginInstance{InstanceID: instanceID, PluginID: module.ID}
		}
		entry.Enabled = types.Ptr(true)
		if settings != nil {
			entry.Settings = settings
		}
		if module.Settings != nil {
			if _, err := module.Settings.Parse(entry.Settings); err != nil {
				return &plugin.ValidationError{PluginID: module.ID, InstanceID: instanceID, Err: err}
			}
		}
		s.UpsertPlugin(entry)
		return nil
	})
	return err
}

var pluginsUnloadCmd = &cobra.Command{
	Use:   "unload <instance-id>",
	Short: "Disable a plugin instance and persist it to settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instanceID := args[0]
		err := newClient().UnloadPlugin(cmd.Context(), instanceID)
		if errors.Is(err, ipc.ErrNotRunning) {
			_, err = config.Update(cfgPath, func(s *config.Settings) error {
				entry, ok := s.Plugin(instanceID)
				if !ok {
					return fmt.Errorf("plugin instance %s is not configured", instanceID)
				}
				entry.Enabled = types.Ptr(false)
				s.UpsertPlugin(entry)
				return nil
			})
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Plugin %s unloaded.\n", instanceID)
		return nil
	},
}

func authStore(cfg *config.Settings) *auth.Store {
	return auth.NewStore(filepath.Join(cfg.Engine.DataDir, "auth.json"))
}

