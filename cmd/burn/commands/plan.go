package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/burnengine/burn/pkg/config"
	"github.com/burnengine/burn/pkg/engine"
)

// planSummary is the JSON rendering of a plan.
type planSummary struct {
	Action      engine.Action `json:"action"`
	BundleID    string        `json:"bundle_id"`
	Fingerprint string        `json:"fingerprint"`

	Cache                []string `json:"cache"`
	RollbackCache        []string `json:"rollback_cache"`
	Execute              []string `json:"execute"`
	Rollback             []string `json:"rollback"`
	Registration         []string `json:"registration,omitempty"`
	RollbackRegistration []string `json:"rollback_registration,omitempty"`
	Clean                []string `json:"clean,omitempty"`
	RestoreRelated       []string `json:"restore_related_bundles,omitempty"`
	PlannedProviders     []string `json:"planned_providers,omitempty"`

	PerMachine                bool   `json:"per_machine"`
	Downgrade                 bool   `json:"downgrade"`
	EstimatedSize             uint64 `json:"estimated_size"`
	CacheSizeTotal            uint64 `json:"cache_size_total"`
	ExecutePackagesTotal      int    `json:"execute_packages_total"`
	OverallProgressTicksTotal int    `json:"overall_progress_ticks_total"`
}

func strs[T fmt.Stringer](items []T) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.String()
	}
	return out
}

func summarize(p *engine.Plan) planSummary {
	return planSummary{
		Action:                    p.Action,
		BundleID:                  p.BundleID,
		Fingerprint:               p.Fingerprint(),
		Cache:                     strs(p.CacheActions),
		RollbackCache:             strs(p.RollbackCacheActions),
		Execute:                   strs(p.ExecuteActions),
		Rollback:                  strs(p.RollbackActions),
		Registration:              strs(p.RegistrationActions),
		RollbackRegistration:      strs(p.RollbackRegistrationActions),
		Clean:                     strs(p.CleanActions),
		RestoreRelated:            strs(p.RestoreRelatedBundles),
		PlannedProviders:          strs(p.PlannedProviders),
		PerMachine:                p.PerMachine,
		Downgrade:                 p.Downgrade,
		EstimatedSize:             p.EstimatedSize,
		CacheSizeTotal:            p.CacheSizeTotal,
		ExecutePackagesTotal:      p.ExecutePackagesTotal,
		OverallProgressTicksTotal: p.OverallProgressTicksTotal,
	}
}

func writePlan(w io.Writer, p *engine.Plan) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summarize(p))
	}
	_, err := fmt.Fprintf(w, "%sfingerprint=%s\n", p.Render(), p.Fingerprint())
	return err
}

func parseAction(s string) (engine.Action, error) {
	action := engine.Action(s)
	switch action {
	case engine.ActionInstall, engine.ActionUninstall, engine.ActionModify,
		engine.ActionRepair, engine.ActionCache, engine.ActionUnsafeUninstall:
		return action, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// buildPlan loads the detected state and plans action against it.
func buildPlan(ctx context.Context, e *env, statePath, actionName string, disableRollback bool) (*engine.EngineState, *engine.Plan, error) {
	action, err := parseAction(actionName)
	if err != nil {
		return nil, nil, err
	}
	state, err := config.LoadSnapshot(statePath)
	if err != nil {
		return nil, nil, err
	}

	ctx = e.tel.WithContext(ctx)
	planner := engine.NewPlanner(e.logger(), engine.WithDisableRollback(disableRollback || e.cfg.Apply.DisableRollback))
	p, err := planner.Plan(ctx, state, action)
	if err != nil {
		return nil, nil, err
	}
	return state, p, nil
}

func newPlanCommand() *cobra.Command {
	var (
		statePath       string
		action          string
		disableRollback bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan an action against a detected state",
		Long: `Plan an action against a detected-state snapshot and print the result.

The plan lists the cache, rollback-cache, execute and rollback actions,
the dependent registrations, clean actions, related bundles to restore
on failure and the planned providers. Planning has no side effects, so
planning the same snapshot twice yields the same fingerprint.`,
		Example: `  # Plan an install
  burn plan --state state.yaml

  # Plan an uninstall as JSON
  burn plan --state state.yaml --action uninstall --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.shutdown(cmd.Context())

			_, p, err := buildPlan(cmd.Context(), e, statePath, action, disableRollback)
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), p)
		},
	}

	cmd.Flags().StringVarP(&statePath, "state", "s", "", "detected-state snapshot (YAML)")
	cmd.Flags().StringVarP(&action, "action", "a", string(engine.ActionInstall), "install, uninstall, modify, repair, cache or unsafe-uninstall")
	cmd.Flags().BoolVar(&disableRollback, "disable-rollback", false, "plan without rollback actions")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}
