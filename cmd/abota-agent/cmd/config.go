package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/abota/internal/config"
)

func (a *app) newConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Edit the agent configuration.",
	}

	cfg.AddCommand(&cobra.Command{
		Use:   "set <key=value>...",
		Short: "Set configuration keys and save the file atomically.",
		Long: `Values are parsed as YAML, so numbers, lists and objects can be given:

  abota-agent config set ArtifactVerifyKey=/etc/abota/artifact-verify-key.pem BootLimit=3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return setConfig(a.configPath, args)
		},
	})

	return cfg
}

// setConfig applies key=value assignments to the document at path.
func setConfig(path string, assignments []string) error {
	doc := make(map[string]any)

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read settings: %w", err)
	default:
		if err = yaml.Unmarshal(contents, &doc); err != nil {
			return fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	for _, assignment := range assignments {
		key, raw, ok := strings.Cut(assignment, "=")
		if !ok || key == "" {
			return fmt.Errorf("%q: %w", assignment, errBadAssignment)
		}

		var value any
		if err = yaml.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}

		if value == nil {
			delete(doc, key)

			continue
		}

		doc[key] = value
	}

	merged, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	var cfg config.Config
	if err = yaml.Unmarshal(merged, &cfg); err != nil {
		return fmt.Errorf("unmarshal settings: %w", err)
	}

	return config.Save(path, &cfg)
}
