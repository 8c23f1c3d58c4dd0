// Package initcmder provides the init command for initializing a local
// .minesafe directory in the current working directory.
package initcmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/pkg/cliui"
	"github.com/papercomputeco/minesafe/pkg/config"
)

const (
	dirName = ".minesafe"

	remoteTimeout = 10 * time.Second
)

const initLongDesc string = `Initialize a new .minesafe/ directory in the current working directory.

Creates a local .minesafe/ directory that takes precedence over the default
~/.minesafe/ directory for configuration, chat history and the resumed chat
session. A config.toml with default values is written unless one exists.

Use --preset to start from a provider preset (siliconflow, openai, ollama)
or from a config.toml served at an http(s) URL. A preset always replaces
an existing config.toml.

Examples:
  minesafe init
  minesafe init --preset ollama
  minesafe init --preset https://example.com/minesafe/config.toml`

const initShortDesc string = "Initialize a local .minesafe/ directory"

func NewInitCmd() *cobra.Command {
	var preset string

	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.Context(), cmd.OutOrStdout(), preset)
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "",
		fmt.Sprintf("Provider preset (%s) or URL of a config.toml", strings.Join(config.ValidPresetNames(), ", ")))

	return cmd
}

func runInit(ctx context.Context, out io.Writer, preset string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	dir := filepath.Join(cwd, dirName)

	info, err := os.Stat(dir)
	existed := err == nil && info.IsDir()
	if !existed {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating .minesafe directory: %w", err)
		}
	}

	cfg, err := resolvePreset(ctx, preset)
	if err != nil {
		return err
	}

	cfger, err := config.NewConfiger(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	_, statErr := os.Stat(cfger.GetTarget())
	hasConfig := statErr == nil
	if preset != "" || !hasConfig {
		if err := cfger.SaveConfig(cfg); err != nil {
			return err
		}
	}

	switch {
	case existed && preset == "":
		fmt.Fprintf(out, "\n  %s %s\n\n", cliui.DimStyle.Render("Already initialized:"), dir)
	case preset != "":
		fmt.Fprintf(out, "\n  %s Initialized %s %s\n\n", cliui.SuccessMark, dir,
			cliui.DimStyle.Render("(preset "+preset+")"))
	default:
		fmt.Fprintf(out, "\n  %s Initialized %s\n\n", cliui.SuccessMark, dir)
	}
	return nil
}

// resolvePreset returns the defaults, a named preset, or the config served
// at an http(s) URL.
func resolvePreset(ctx context.Context, preset string) (*config.Config, error) {
	switch {
	case preset == "":
		return config.NewDefaultConfig(), nil
	case strings.HasPrefix(preset, "http://"), strings.HasPrefix(preset, "https://"):
		return fetchRemoteConfig(ctx, preset)
	default:
		return config.PresetConfig(preset)
	}
}

func fetchRemoteConfig(ctx context.Context, url string) (*config.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching remote config: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("fetching remote config: empty body")
	}

	return config.ParseConfigTOML(data)
}
