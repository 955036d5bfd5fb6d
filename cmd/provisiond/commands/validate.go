package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/policy"
	"github.com/raidan-labs/provisiond/pkg/secrets"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var (
		checkSecrets bool
		showPlan     bool
	)

	cmd := &cobra.Command{
		Use:   "validate <config.yaml>...",
		Short: "Validate tenant configurations offline",
		Long: `Validate tenant configurations without contacting the server.

This command checks:
  - Document syntax and unknown fields
  - Field rules (domain, email, network, secret handles, image pins)
  - Admission policies (built-in and the settings policy directory)
  - Secret resolution, with --secrets
  - The pipeline the configuration would run, with --plan`,
		Example: `  # Validate one configuration
  provisiond validate tenant.yaml

  # Also resolve secrets and print the phases and steps
  provisiond validate --secrets --plan tenant.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			s, err := loadSettings()
			if err != nil {
				return err
			}
			logger := telemetry.FromZerolog(log.Logger)
			tel := &telemetry.Telemetry{Logger: logger}
			policies, _, err := newPolicies(ctx, s, tel, false)
			if err != nil {
				return err
			}
			pipelines, err := newPipelines(s)
			if err != nil {
				return err
			}
			resolver := secrets.NewResolver(nil, secrets.WithBaseDir(s.SecretsDir))

			failed := 0
			for _, path := range args {
				problems := validateFile(cmd, path, policies, resolver, checkSecrets)
				if len(problems) > 0 {
					failed++
					fmt.Fprintf(out, "✗ %s\n", path)
					for _, p := range problems {
						fmt.Fprintf(out, "    %s\n", p)
					}
					continue
				}
				fmt.Fprintf(out, "✓ %s\n", path)
				if showPlan {
					cfg, _ := config.LoadProvisioning(path)
					pl, err := pipelines.Build(cfg)
					if err != nil {
						failed++
						fmt.Fprintf(out, "    pipeline: %v\n", err)
						continue
					}
					for _, phase := range pl.Phases {
						fmt.Fprintf(out, "    %s\n", phase.Name)
						for _, st := range phase.Steps {
							fmt.Fprintf(out, "      - %s (%s, %d attempts)\n", st.Name, st.Action.Type, st.Retry.Attempts())
						}
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d configuration(s) invalid", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkSecrets, "secrets", false, "resolve every secret handle")
	cmd.Flags().BoolVar(&showPlan, "plan", false, "print the phases and steps of the run")

	return cmd
}

// validateFile returns the problems found in the configuration at path.
// Policy warnings are printed but are not problems.
func validateFile(cmd *cobra.Command, path string, policies *policy.Engine, resolver *secrets.Resolver, checkSecrets bool) []string {
	cfg, err := config.LoadProvisioning(path)
	if err != nil {
		return []string{err.Error()}
	}

	var problems []string
	if err := cfg.Validate(); err != nil {
		var verrs config.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		for _, v := range verrs {
			problems = append(problems, v.Message)
		}
		return problems
	}

	result, err := policies.Evaluate(cmd.Context(), cfg)
	if err != nil {
		return []string{fmt.Sprintf("policy evaluation failed: %v", err)}
	}
	for _, v := range result.Violations {
		problems = append(problems, fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message))
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(cmd.OutOrStdout(), "  ! [%s] %s: %s\n", w.Severity, w.Policy, w.Message)
	}

	if checkSecrets {
		if err := resolver.Admit(cmd.Context(), cfg); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}
