package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clauseline/internal/domain"
	"clauseline/internal/engine"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	var opts engine.CreateUserOptions
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("created user %s (%s)\n", u.Key, u.Username)
				return nil
			})
		},
	}
	add.Flags().StringVar(&opts.Name, "name", "", "display name")
	add.Flags().StringVar(&opts.Username, "username", "", "unique username")
	add.Flags().StringVar(&opts.Email, "email", "", "unique email")
	add.Flags().StringVar(&opts.Phone, "phone", "", "phone number")
	add.Flags().StringVar(&opts.CPF, "cpf", "", "tax id")
	add.MarkFlagRequired("name")
	add.MarkFlagRequired("username")
	cmd.AddCommand(add)

	var sel engine.UserSelector
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Find a user by username, email or key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.ResolveUser(ctx, sel)
				if err != nil {
					return err
				}
				return printJSONOrTable(u.Ref())
			})
		},
	}
	resolve.Flags().StringVar(&sel.Username, "username", "", "username")
	resolve.Flags().StringVar(&sel.Email, "email", "", "email")
	resolve.Flags().StringVar(&sel.ID, "id", "", "user key")
	cmd.AddCommand(resolve)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("Key", "Username", "Name", "Email")
				for _, u := range users {
					tw.AppendRow(table.Row{u.Key, u.Username, u.Name, u.Email})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func contractCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "contract", Short: "Manage contracts"}

	var name, signatureDate string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a contract owned by the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				c, err := e.CreateContract(ctx, engine.CreateContractOptions{
					Name:          name,
					SignatureDate: signatureDate,
					ActorID:       actor,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("created contract %s\n", c.Key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "contract name")
	create.Flags().StringVar(&signatureDate, "signature-date", "", "RFC3339 signature date (default now)")
	create.MarkFlagRequired("name")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <contract-key>",
		Short: "Show a contract with its clauses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				c, err := e.GetContract(ctx, args[0], actor)
				if err != nil {
					return err
				}
				clauses, err := e.ListClauses(ctx, c.Key, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"contract": c, "clauses": clauses})
				}
				fmt.Printf("%s  %s  [%s]  owner=%s  signed=%s\n", c.Key, c.Name, c.Status, c.Owner.Username, c.SignatureDate)
				renderClauses(clauses)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List contracts the acting user takes part in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.ListUserContracts(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Key", "Name", "Status", "Owner", "Participants", "Clauses")
				for _, c := range items {
					tw.AppendRow(table.Row{c.Key, c.Name, c.Status, c.Owner.Username, len(c.Participants), len(c.Clauses)})
				}
				tw.Render()
				return nil
			})
		},
	})

	var sets, unsets []string
	data := &cobra.Command{
		Use:   "data <contract-key>",
		Short: "Merge keys into contract data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			for _, k := range unsets {
				patch[strings.TrimSpace(k)] = nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				c, err := e.SetContractData(ctx, args[0], patch, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c.Data)
			})
		},
	}
	data.Flags().StringArrayVar(&sets, "set", nil, "key=value (value parsed as JSON when valid)")
	data.Flags().StringArrayVar(&unsets, "unset", nil, "key to delete")
	cmd.AddCommand(data)

	var review engine.AddReviewOptions
	reviewCmd := &cobra.Command{
		Use:   "review <contract-key>",
		Short: "Add a review to a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				review.ContractKey = args[0]
				review.ActorID = actor
				c, err := e.AddReview(ctx, review)
				if err != nil {
					return err
				}
				return printJSONOrTable(c.Data["reviews"])
			})
		},
	}
	reviewCmd.Flags().IntVar(&review.Rating, "rating", 0, "rating from 1 to 5")
	reviewCmd.Flags().StringVar(&review.Comments, "comments", "", "review text")
	reviewCmd.Flags().StringVar(&review.Date, "date", "", "RFC3339 review date (default now)")
	reviewCmd.Flags().StringVar(&review.ClauseKey, "clause", "", "clause to receive rating and comments as input")
	reviewCmd.MarkFlagRequired("rating")
	cmd.AddCommand(reviewCmd)

	var cancel engine.CancelContractOptions
	cancelCmd := &cobra.Command{
		Use:   "cancel <finish-clause-key>",
		Short: "Submit cancellation to a FinishContract clause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				cancel.ClauseKey = args[0]
				cancel.ActorID = actor
				cl, err := e.CancelContract(ctx, cancel)
				if err != nil {
					return err
				}
				return printJSONOrTable(cl)
			})
		},
	}
	cancelCmd.Flags().BoolVar(&cancel.ForceCancellation, "force", false, "cancel regardless of contract data")
	cancelCmd.Flags().BoolVar(&cancel.RequestedCancellation, "requested", false, "request cancellation checked against contract data")
	cmd.AddCommand(cancelCmd)
	return cmd
}

func participantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "participant", Short: "Manage contract participants"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <contract-key> <user-key>...",
		Short: "Add users to a contract (owner only)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				c, err := e.AddParticipants(ctx, args[0], args[1:], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c.Participants)
				}
				renderParticipants(c.Participants)
				return nil
			})
		},
	})
	return cmd
}

func inviteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "invite", Short: "Invite users with single-use tokens"}

	var sel engine.UserSelector
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue <contract-key>",
		Short: "Issue an invite token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				inv, err := e.IssueInvite(ctx, engine.IssueInviteOptions{
					ContractKey: args[0],
					Invitee:     sel,
					TTL:         ttl,
					ActorID:     actor,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(inv)
				}
				fmt.Printf("invite token %s (expires %s)\n", inv.Token, inv.ExpiresAt)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&sel.Username, "username", "", "pin the invite to this username")
	issue.Flags().StringVar(&sel.Email, "email", "", "pin the invite to this email")
	issue.Flags().StringVar(&sel.ID, "user", "", "pin the invite to this user key")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")
	cmd.AddCommand(issue)

	cmd.AddCommand(&cobra.Command{
		Use:   "accept <token>",
		Short: "Join a contract with an invite token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				c, err := e.AcceptInvite(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("joined contract %s\n", c.Key)
				return nil
			})
		},
	})
	return cmd
}

func renderParticipants(refs []domain.UserRef) {
	tw := newTable("Key", "Username", "Name")
	for _, u := range refs {
		tw.AppendRow(table.Row{u.Key, u.Username, u.Name})
	}
	tw.Render()
}
