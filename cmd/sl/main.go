package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stakeline/internal/companion"
	"stakeline/internal/config"
	"stakeline/internal/consensus"
	"stakeline/internal/db"
	"stakeline/internal/domain"
	"stakeline/internal/engine"
	"stakeline/internal/ledger"
	"stakeline/internal/migrate"
	"stakeline/internal/repo"
	"stakeline/internal/server"
	"stakeline/internal/treasury"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stakeline CLI",
	Long: `Stakeline coordinates staked goals validated by a committee.
- Goals: stake tokens on a commitment with a deadline and 1-4 milestones.
- Milestones: submit evidence; a validator committee votes approve/reject.
- Validators: stake to join the pool, earn payouts for votes, build reputation.
- Treasury: forfeited stakes are burned and split into reward, insurance,
  validator, and development pools; completed goals earn a tier bonus.
Workspace state lives in .stakeline/ next to stakeline.yml.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("STAKELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(validatorCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(roundCmd())
	rootCmd.AddCommand(treasuryCmd())
	rootCmd.AddCommand(tiersCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stakeline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage staked goals"}
	goal.AddCommand(goalCreateCmd())
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalShowCmd())
	goal.AddCommand(goalFailCmd())
	return goal
}

func goalCreateCmd() *cobra.Command {
	var title string
	var stake int64
	var durationHours, milestones int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Stake a new goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.CreateGoal(ctx, engine.GoalCreateOptions{
					Owner:          viper.GetString("actor-id"),
					Title:          title,
					Stake:          stake,
					DurationHours:  durationHours,
					MilestoneTotal: milestones,
				})
				if err != nil {
					return err
				}
				return printJSONOrValue(g)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "goal title")
	cmd.Flags().Int64Var(&stake, "stake", 0, "stake amount in base units")
	cmd.Flags().IntVar(&durationHours, "duration-hours", 336, "time until deadline")
	cmd.Flags().IntVar(&milestones, "milestones", 1, "planned milestone count")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("stake")
	return cmd
}

func goalListCmd() *cobra.Command {
	var owner, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				goals, err := e.Goals(ctx, owner, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(goals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Title", "Stake", "Status", "Milestones", "Deadline"})
				for _, g := range goals {
					tw.AppendRow(table.Row{g.ID, g.Owner, g.Title, g.Stake, g.Status,
						fmt.Sprintf("%d/%d", g.MilestonesCompleted, g.MilestoneTotal), g.Deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func goalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <goal-id>",
		Short: "Show a goal and its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.Goal(ctx, args[0])
				if err != nil {
					return err
				}
				ms, err := e.Milestones(ctx, g.ID)
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]any{"goal": g, "milestones": ms})
			})
		},
	}
	return cmd
}

func goalFailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail <goal-id>",
		Short: "Fail a goal and forfeit its stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.FailGoal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(g)
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Manage goal milestones"}
	ms.AddCommand(milestoneAddCmd())
	ms.AddCommand(milestoneSubmitCmd())
	ms.AddCommand(milestoneShowCmd())
	return ms
}

func milestoneAddCmd() *cobra.Command {
	var goalID, description string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a milestone to an active goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.CreateMilestone(ctx, goalID, description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
	cmd.Flags().StringVar(&goalID, "goal", "", "goal id")
	cmd.Flags().StringVar(&description, "description", "", "what this milestone delivers")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func milestoneSubmitCmd() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "submit <milestone-id>",
		Short: "Submit milestone evidence and open its validation round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, vr, err := e.SubmitMilestone(ctx, args[0], evidence, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]any{"milestone": m, "round": vr})
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence reference (URL, hash)")
	_ = cmd.MarkFlagRequired("evidence")
	return cmd
}

func milestoneShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <milestone-id>",
		Short: "Show a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Milestone(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
	return cmd
}

func validatorCmd() *cobra.Command {
	v := &cobra.Command{Use: "validator", Short: "Validator pool"}
	v.AddCommand(validatorRegisterCmd())
	v.AddCommand(validatorExitCmd())
	v.AddCommand(validatorListCmd())
	v.AddCommand(validatorShowCmd())
	return v
}

func validatorRegisterCmd() *cobra.Command {
	var stake int64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Join the validator pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.Consensus.RegisterValidator(ctx, viper.GetString("actor-id"), stake)
				if err != nil {
					return err
				}
				return printJSONOrValue(v)
			})
		},
	}
	cmd.Flags().Int64Var(&stake, "stake", 0, "validator stake in base units")
	_ = cmd.MarkFlagRequired("stake")
	return cmd
}

func validatorExitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Leave the pool and reclaim stake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				returned, err := e.Consensus.DeactivateValidator(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]int64{"returned_stake": returned})
			})
		},
	}
	return cmd
}

func validatorListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List validators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Consensus.Validators(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stake", "Reputation", "Votes", "Accurate", "Active"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.Stake, v.Reputation, v.TotalVotes, v.AccurateVotes, v.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active validators")
	return cmd
}

func validatorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <validator-id>",
		Short: "Show a validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.Consensus.Validator(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(v)
			})
		},
	}
	return cmd
}

func voteCmd() *cobra.Command {
	var approve, reject bool
	var comment string
	cmd := &cobra.Command{
		Use:   "vote <milestone-id>",
		Short: "Cast a committee vote on a milestone's round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return errors.New("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				vr, err := e.Consensus.SubmitVote(ctx, args[0], viper.GetString("actor-id"), approve, comment)
				if err != nil {
					return err
				}
				return printJSONOrValue(vr)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "vote approve")
	cmd.Flags().BoolVar(&reject, "reject", false, "vote reject")
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}

func roundCmd() *cobra.Command {
	r := &cobra.Command{Use: "round", Short: "Validation rounds"}
	r.AddCommand(roundShowCmd())
	return r
}

func roundShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <milestone-id>",
		Short: "Show a milestone's validation round and votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				vr, votes, err := e.Consensus.Round(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]any{"round": vr, "votes": votes})
			})
		},
	}
	return cmd
}

func treasuryCmd() *cobra.Command {
	t := &cobra.Command{Use: "treasury", Short: "Treasury pools"}
	t.AddCommand(treasuryShowCmd())
	t.AddCommand(treasuryQuoteCmd())
	return t
}

func treasuryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show pool balances and running totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Treasury.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	return cmd
}

func treasuryQuoteCmd() *cobra.Command {
	var stake int64
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote the completion reward for a stake amount",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				q, err := e.Treasury.CalculateReward(ctx, stake)
				if err != nil {
					return err
				}
				return printJSONOrValue(q)
			})
		},
	}
	cmd.Flags().Int64Var(&stake, "stake", 0, "stake amount")
	_ = cmd.MarkFlagRequired("stake")
	return cmd
}

func tiersCmd() *cobra.Command {
	t := &cobra.Command{Use: "tiers", Short: "Reward tier table"}
	t.AddCommand(tiersShowCmd())
	return t
}

func tiersShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the reward tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tiers, err := e.Treasury.Tiers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tiers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Min Stake", "Max Stake", "Multiplier BP"})
				for _, tier := range tiers {
					maxStake := "∞"
					if tier.MaxStake != 0 {
						maxStake = fmt.Sprintf("%d", tier.MaxStake)
					}
					tw.AppendRow(table.Row{tier.Name, tier.MinStake, maxStake, tier.MultiplierBP})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Protocol-wide counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrValue(s)
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Token ledger (dev)"}
	l.AddCommand(ledgerFundCmd())
	l.AddCommand(ledgerBalanceCmd())
	return l
}

func ledgerFundCmd() *cobra.Command {
	var account string
	var amount int64
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Mint tokens into an account (dev faucet)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if account == "" {
					account = viper.GetString("actor-id")
				}
				if err := e.Ledger.Mint(ctx, account, amount); err != nil {
					return err
				}
				bal, err := e.Ledger.Balance(ctx, account)
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]any{"account": account, "balance": bal})
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id (defaults to actor)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to mint")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerBalanceCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show an account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if account == "" {
					account = viper.GetString("actor-id")
				}
				bal, err := e.Ledger.Balance(ctx, account)
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]any{"account": account, "balance": bal})
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id (defaults to actor)")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, entityKind, entityID, n)
				if err != nil {
					return err
				}
				return printJSONOrValue(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	k.AddCommand(apikeyIssueCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyIssueCmd() *cobra.Command {
	var name string
	var admin bool
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "sk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					Admin:     admin,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is shown once and stored only as a hash.
				return printJSONOrValue(map[string]any{"id": key.ID, "key": secret, "admin": key.Admin})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().BoolVar(&admin, "admin", false, "mark the key as issued for an admin actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(keys)
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func adminCmd() *cobra.Command {
	a := &cobra.Command{Use: "admin", Short: "Administrative operations"}
	a.AddCommand(adminForceResolveCmd())
	a.AddCommand(adminCompleteMilestoneCmd())
	a.AddCommand(adminPauseCmd())
	a.AddCommand(adminResumeCmd())
	a.AddCommand(adminWithdrawCmd())
	a.AddCommand(adminEmergencyWithdrawCmd())
	a.AddCommand(adminUpdateTiersCmd())
	return a
}

func adminForceResolveCmd() *cobra.Command {
	var approve bool
	cmd := &cobra.Command{
		Use:   "force-resolve <milestone-id>",
		Short: "Force-resolve a stuck validation round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				vr, err := e.Consensus.ForceResolve(ctx, args[0], approve, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(vr)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "resolve as approved")
	return cmd
}

func adminCompleteMilestoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete-milestone <milestone-id>",
		Short: "Administratively complete a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.AdminCompleteMilestone(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				m, err := e.Milestone(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
	return cmd
}

func adminPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause goal creation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.PauseCreation(ctx, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func adminResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume goal creation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.ResumeCreation(ctx, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func adminWithdrawCmd() *cobra.Command {
	var pool, recipient string
	var amount int64
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw from a non-reward pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Treasury.Withdraw(ctx, pool, recipient, amount, viper.GetString("actor-id")); err != nil {
					return err
				}
				t, err := e.Treasury.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "pool name (insurance, validator, development)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient account")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to withdraw")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func adminEmergencyWithdrawCmd() *cobra.Command {
	var recipient string
	cmd := &cobra.Command{
		Use:   "emergency-withdraw",
		Short: "Drain the development pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				drained, err := e.Treasury.EmergencyWithdraw(ctx, recipient, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]int64{"drained": drained})
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient account")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func adminUpdateTiersCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "update-tiers",
		Short: "Replace the reward tier table from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tiers []domain.RewardTier
			if err := json.Unmarshal(data, &tiers); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Treasury.UpdateTiers(ctx, tiers, viper.GetString("actor-id")); err != nil {
					return err
				}
				updated, err := e.Treasury.Tiers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrValue(updated)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to tiers JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAKELINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STAKELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Stakeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	lgr := ledger.NewStore(conn, cfg.Ledger.FaucetAmount)
	trs := treasury.New(conn, cfg, lgr)
	if err := trs.EnsureTiers(ctx); err != nil {
		return err
	}
	cns := consensus.New(conn, cfg, lgr, trs)
	e := engine.New(conn, cfg, lgr, trs, cns, companion.NewMemory())
	cns.SetFinalizer(e.Authority())
	return fn(ctx, e)
}

func printJSONOrValue(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
