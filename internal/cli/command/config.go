package command

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration management",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show the effective configuration after all layers",
				Flags:  runFlags(),
				Action: configShow,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration",
				Flags:  runFlags(),
				Action: configValidate,
			},
		},
	}
}

func configShow(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	return render(c, c.App.Writer, cfg)
}

func configValidate(c *cli.Context) error {
	_, loader, err := loadConfig(c)
	if err != nil {
		return err
	}
	source := "defaults"
	if path := loader.FilePath(); path != "" {
		source = path
	}
	fmt.Fprintf(c.App.Writer, "configuration is valid (%s)\n", source)
	return nil
}
