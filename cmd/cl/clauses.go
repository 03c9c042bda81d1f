package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clauseline/internal/domain"
	"clauseline/internal/engine"
)

func clauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clause",
		Short: "Manage clauses",
		Long: `Clause actions (--action accepts the name or the number):
  CheckDateInterval (0)  params: intervalType (1 days, 2 weeks, 3 months, 4 years), deadlineInterval, referenceDate
                         input:  referenceDate, evaluatedDate
  GetDeduction      (1)  params: fineName, maxPercentage, maxReferenceValue, imposeFine
                         input:  referenceValue, dailyPercentage, days, referenceClauseDays, referenceClauseName
  GetCredit         (2)  params: creditName, percentage, predefinedValue, imposeCredit, reviewCondition
                         input:  storedValue, rating, comments, reviewDate
  Payment           (3)  params: amount, paymentRate, partialPayment, addBonus, addFine
                         input:  payment, date, finalPayment, receipt (see --receipt)
  FinishContract    (4)  params: cancellationCheckValue, autoFinalizationValue
                         input:  requestedCancellation, forceCancellation`,
	}
	cmd.AddCommand(clauseAddCmd())
	cmd.AddCommand(clauseShowCmd())
	cmd.AddCommand(clauseInputCmd())
	cmd.AddCommand(clauseEvaluateCmd())
	cmd.AddCommand(clauseDepsCmd())
	cmd.AddCommand(clauseDatesCmd())
	cmd.AddCommand(clauseReceiptsCmd())
	return cmd
}

func clauseAddCmd() *cobra.Command {
	var opts engine.AddClauseOptions
	var action, params, input string
	cmd := &cobra.Command{
		Use:   "add <contract-key> <clause-id>",
		Short: "Add a clause to a contract",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actionType, err := domain.ParseActionType(action)
			if err != nil {
				return err
			}
			if opts.Parameters, err = parseJSONObject("params", params); err != nil {
				return err
			}
			if opts.Input, err = parseJSONObject("input", input); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				opts.ContractKey = args[0]
				opts.ID = args[1]
				opts.ActionType = actionType
				opts.ActorID = actor
				cl, err := e.AddClause(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cl)
				}
				fmt.Printf("added clause %s (%s, %s)\n", cl.Key, cl.ActionType, cl.State())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action name or number")
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object, or @file")
	cmd.Flags().StringVar(&input, "input", "", "initial input as a JSON object, or @file")
	cmd.Flags().StringSliceVar(&opts.Dependencies, "deps", nil, "dependency clause keys or ids")
	cmd.Flags().StringVar(&opts.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category label")
	cmd.MarkFlagRequired("action")
	return cmd
}

func clauseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <clause-key>",
		Short: "Show a clause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				cl, err := e.GetClause(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cl)
				}
				renderClauses([]domain.Clause{cl})
				return printJSON(map[string]any{
					"parameters": cl.Parameters,
					"input":      cl.Input,
					"result":     cl.Result,
				})
			})
		},
	}
}

func clauseInputCmd() *cobra.Command {
	var data, receipt string
	var partial bool
	cmd := &cobra.Command{
		Use:   "input <clause-key>",
		Short: "Submit input to a clause; it is evaluated when ready and complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSONObject("data", data)
			if err != nil {
				return err
			}
			if payload == nil {
				payload = map[string]any{}
			}
			opts := engine.SubmitOptions{Partial: partial}
			if receipt != "" {
				f, err := os.Open(receipt)
				if err != nil {
					return err
				}
				defer f.Close()
				opts.Receipt = &engine.ReceiptUpload{Filename: filepath.Base(receipt), Body: f}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				cl, err := e.SubmitInput(ctx, args[0], actor, payload, opts)
				if err != nil {
					return err
				}
				return printClauseOutcome(cl)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "input as a JSON object, or @file")
	cmd.Flags().BoolVar(&partial, "partial", false, "store incomplete input without evaluating")
	cmd.Flags().StringVar(&receipt, "receipt", "", "receipt file for Payment clauses")
	return cmd
}

func clauseEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <clause-key>",
		Short: "Evaluate a ready clause with its stored input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				cl, err := e.Evaluate(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printClauseOutcome(cl)
			})
		},
	}
}

func clauseDepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <clause-key> <dependency>...",
		Short: "Add dependencies to a clause",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				cl, err := e.AddDependencies(ctx, args[0], args[1:], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cl)
				}
				fmt.Printf("%s depends on %s (%s)\n", cl.Key, strings.Join(cl.Dependencies, ", "), cl.State())
				return nil
			})
		},
	}
}

func clauseDatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dates <contract-key>",
		Short: "List deadlines of the contract's date clauses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				dates, err := e.GetDatesWithClause(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dates)
				}
				tw := newTable("Clause", "ID", "State", "Reference", "Deadline", "Evaluated", "Within")
				for _, d := range dates {
					within := ""
					if d.WithinInterval != nil {
						within = fmt.Sprint(*d.WithinInterval)
					}
					tw.AppendRow(table.Row{d.ClauseKey, d.ClauseID, d.State, d.ReferenceDate, d.Deadline, d.EvaluatedDate, within})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func clauseReceiptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receipts <clause-key>",
		Short: "List receipts stored for a Payment clause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				receipts, err := e.ListReceipts(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(receipts)
				}
				tw := newTable("ID", "File", "Size", "Amount", "SHA256", "Created")
				for _, r := range receipts {
					tw.AppendRow(table.Row{r.ID, r.Filename, r.Size, r.Amount, r.SHA256[:12], r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func renderClauses(clauses []domain.Clause) {
	tw := newTable("Key", "ID", "Action", "State", "Deps", "Result")
	for _, cl := range clauses {
		result := ""
		if cl.Result != nil {
			b, _ := json.Marshal(cl.Result)
			result = string(b)
		}
		tw.AppendRow(table.Row{cl.Key, cl.ID, cl.ActionType, cl.State(), len(cl.Dependencies), result})
	}
	tw.Render()
}

func printClauseOutcome(cl domain.Clause) error {
	if viper.GetBool("json") {
		return printJSON(cl)
	}
	fmt.Printf("%s is %s\n", cl.Key, cl.State())
	if cl.Result != nil {
		return printJSON(cl.Result)
	}
	return nil
}
