package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmbuild/internal/config"
	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration vmbuild would run with, after merging
defaults, config.yaml, VMBUILD_* environment variables and flags, followed
by any validation warnings for this host's hypervisor.

The output is valid config.yaml content.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if loaded.File != "" {
		fmt.Fprintf(out, "# from %s\n", loaded.File)
	}
	if err := writeConfigYAML(out, loaded.Config); err != nil {
		return err
	}

	driver, err := hypervisor.NewDriver()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "\nHypervisor unavailable (%v); skipping capability checks.\n", err)
		return nil
	}
	if warnings := config.ValidateConfig(loaded.Config, driver.Capabilities()); len(warnings) > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), "\n"+config.FormatValidationErrors(warnings))
	}
	return nil
}

// writeConfigYAML renders cfg as YAML with keys in config.Keys order.
func writeConfigYAML(w io.Writer, cfg *config.Config) error {
	settings := cfg.Settings()
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range config.Keys() {
		var value yaml.Node
		if err := value.Encode(settings[key]); err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &value)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
