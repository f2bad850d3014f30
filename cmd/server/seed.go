package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-approvals/internal/handler"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/service"
)

// seedFile is the YAML document loaded by the seed command. Seeds are
// applied as the system actor, so they can grant each owner's first admin.
type seedFile struct {
	Roles []service.RoleInput `yaml:"roles"`
	Rules []service.RuleInput `yaml:"rules"`
}

type seedResult struct {
	RolesCreated int `json:"roles_created"`
	RolesSkipped int `json:"roles_skipped"`
	RulesCreated int `json:"rules_created"`
	RulesSkipped int `json:"rules_skipped"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load roles and rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening seed file: %w", err)
		}
		defer f.Close()

		seed, err := parseSeed(f)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			res, err := applySeed(ctx, a.services, seed)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func parseSeed(r io.Reader) (*seedFile, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return &seed, nil
}

// applySeed creates roles before rules, since rules reference role names.
// Roles and rules already present under the same owner are skipped.
func applySeed(ctx context.Context, svc handler.Services, seed *seedFile) (*seedResult, error) {
	actor := service.Actor{ID: service.SystemActor}
	res := &seedResult{}

	for _, in := range seed.Roles {
		existing, err := svc.Roles.ListRoles(ctx, in.Owner, true)
		if err != nil {
			return res, err
		}
		if hasRole(existing, in) {
			res.RolesSkipped++
			continue
		}
		if _, err := svc.Roles.CreateRole(ctx, in, actor); err != nil {
			return res, fmt.Errorf("role %s for %s: %w", in.RoleName, in.ActorID, err)
		}
		res.RolesCreated++
	}

	for _, in := range seed.Rules {
		existing, err := svc.Rules.ListRules(ctx, in.Owner, true)
		if err != nil {
			return res, err
		}
		if hasRule(existing, in.Name) {
			res.RulesSkipped++
			continue
		}
		if _, err := svc.Rules.CreateRule(ctx, in, actor); err != nil {
			return res, fmt.Errorf("rule %q: %w", in.Name, err)
		}
		res.RulesCreated++
	}
	return res, nil
}

func hasRole(roles []*repository.ApprovalRole, in service.RoleInput) bool {
	name := strings.ToUpper(strings.TrimSpace(in.RoleName))
	for _, r := range roles {
		if r.ActorID == in.ActorID && r.RoleName == name {
			return true
		}
	}
	return false
}

func hasRule(rules []*repository.ApprovalRule, name string) bool {
	for _, r := range rules {
		if r.Name == name {
			return true
		}
	}
	return false
}
