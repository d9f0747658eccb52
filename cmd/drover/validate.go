package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/updatecfg"
)

type validateArgs struct {
	query string
}

func newValidateCmd() *cobra.Command {
	var args validateArgs

	cmd := &cobra.Command{
		Use:   "validate [CONFIG-FILE]",
		Short: "validate a dependabot.yml file",
		Long: `Validate a local update config file and print its update directives.

Unresolved ${{ name }} placeholders are reported as warnings, their values
are only needed at run time.
With --query the parsed config is filtered through a jq expression instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, posArgs []string) error {
			path := ".github/dependabot.yml"
			if len(posArgs) == 1 {
				path = posArgs[0]
			}

			return validateConfigFile(path, args.query)
		},
	}

	cmd.Flags().StringVarP(&args.query, "query", "q", "",
		"print the result of the jq expression applied to the parsed config")

	return cmd
}

func validateConfigFile(path, query string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	_, unresolved := updatecfg.ExpandPlaceholders(string(content), nil)

	updateCfg, err := updatecfg.Parse(content)
	if err != nil {
		return err
	}

	if err := updateCfg.Validate(); err != nil {
		return err
	}

	for _, directive := range updateCfg.Updates {
		if _, err := jobs.ParseEcosystem(directive.PackageEcosystem); err != nil {
			return err
		}
	}

	if query != "" {
		return runQuery(content, query)
	}

	for _, name := range unresolved {
		fmt.Printf("WARNING: placeholder ${{ %s }} references a secret that must be provided at run time\n", name)
	}

	fmt.Printf("%s is valid, %d update directives:\n", path, len(updateCfg.Updates))

	now := time.Now()

	for _, directive := range updateCfg.Updates {
		line := fmt.Sprintf("  - %s (open-pull-requests-limit: %d)",
			directive.DirectoryKey(), directive.EffectiveOpenPullRequestsLimit())

		if directive.Schedule != nil {
			nextRun, err := directive.Schedule.NextRun(now)
			if err != nil {
				return fmt.Errorf("%s: %w", directive.DirectoryKey(), err)
			}

			line += fmt.Sprintf(", next scheduled run: %s", nextRun.Format(time.RFC3339))
		}

		fmt.Println(line)
	}

	return nil
}

// runQuery applies a jq expression to the config document, using the field
// names of the file itself.
func runQuery(content []byte, query string) error {
	parsedQuery, err := gojq.Parse(query)
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	var document any
	if err := yaml.Unmarshal(content, &document); err != nil {
		return err
	}

	iter := parsedQuery.Run(document)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}

		if err, isErr := val.(error); isErr {
			return fmt.Errorf("query failed: %w", err)
		}

		out, err := json.Marshal(val)
		if err != nil {
			return err
		}

		fmt.Println(string(out))
	}

	return nil
}
