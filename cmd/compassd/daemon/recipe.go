package daemon

import (
	"fmt"
	"log/slog"

	"github.com/codecompass-ai/compassd/internal/recipe"
	"github.com/spf13/cobra"
)

func installRecipeCmd(app *App) {
	var toStdout, overwrite bool
	var baseImage string

	cmd := &cobra.Command{
		Use:   "recipe",
		Short: "Render the container deployment files for the workspace",
		Long: "Recipe renders the Dockerfile, compose file and dockerignore matching the " +
			"configured build and serve commands. Files are written to the workspace unless " +
			"--stdout is given; existing files are kept unless --force is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := app.workspacePath()
			if err != nil {
				return err
			}

			conf := app.config.Build
			opts := []recipe.Options{
				recipe.WithBaseImage(baseImage),
				recipe.WithInstallCommand(conf.InstallCommand),
				recipe.WithBuildCommand(conf.BuildCommand),
				recipe.WithServeCommand(app.config.Engine.Command),
				recipe.WithPort(app.config.Engine.Port),
			}
			if len(conf.PrunePatterns) > 0 {
				opts = append(opts, recipe.WithPrunePattern(conf.PrunePatterns[0]))
			}
			r := recipe.New(slog.Default(), opts...)

			if toStdout {
				files, err := r.Render()
				if err != nil {
					return err
				}
				fmt.Printf("# Dockerfile\n%s\n# docker-compose.yml\n%s\n# .dockerignore\n%s", files.Dockerfile, files.Compose, files.Dockerignore)
				return nil
			}
			return r.Write(workspace, overwrite)
		},
	}

	cmd.Flags().StringVar(&baseImage, "base-image", "", "base image of the rendered Dockerfile")
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "print the rendered files instead of writing them")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing deployment files")
	app.cmd.AddCommand(cmd)
}
