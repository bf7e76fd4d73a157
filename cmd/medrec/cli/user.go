package cli

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"medrec.org/internal/auth"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage credentials directly against the database",
	}
	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var (
		username  string
		firstName string
		lastName  string
		email     string
		role      string
		password  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a person and a credential for them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" {
				return errors.New("--username is required")
			}
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.close()

			_, admin, err := services(cfg, b)
			if err != nil {
				return err
			}
			if _, err := admin.InitializeRoles(ctx); err != nil {
				return fmt.Errorf("initialize roles: %w", err)
			}
			roleID, err := resolveRole(cmd, admin, role)
			if err != nil {
				return err
			}

			person := &auth.Person{FirstName: firstName, LastName: lastName, Email: email}
			cred, temp, err := admin.Provision(ctx, person, auth.NewCredential{
				RoleID:   roleID,
				Username: username,
				Password: password,
			})
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created %s (id=%d, role=%s)\n", cred.Username, cred.ID, cred.RoleName)
			if temp != "" {
				fmt.Fprintf(out, "temporary password: %s\n", temp)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Login name")
	cmd.Flags().StringVar(&firstName, "first-name", "", "Given name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "Family name")
	cmd.Flags().StringVar(&email, "email", "", "Contact email")
	cmd.Flags().StringVar(&role, "role", "clinician", "Role name or numeric id")
	cmd.Flags().StringVar(&password, "password", "", "Initial password (a temporary one is generated when empty)")
	return cmd
}

func resolveRole(cmd *cobra.Command, admin *auth.Admin, role string) (auth.RoleID, error) {
	if id, err := strconv.ParseInt(role, 10, 64); err == nil {
		r, err := admin.Role(cmd.Context(), auth.RoleID(id))
		if err != nil {
			return 0, fmt.Errorf("role %d: %w", id, err)
		}
		return r.ID, nil
	}
	r, err := admin.RoleByName(cmd.Context(), role)
	if err != nil {
		return 0, fmt.Errorf("role %q: %w", role, err)
	}
	return r.ID, nil
}

func newUserListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.close()

			_, admin, err := services(cfg, b)
			if err != nil {
				return err
			}
			creds, err := admin.ListCredentials(ctx, all)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSERNAME\tROLE\tSTATUS\tMFA\tTEMPORARY")
			for _, c := range creds {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%t\n",
					c.ID, c.Username, c.RoleName, c.Status, c.MFAEnabled, c.TemporaryPassword)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include inactive credentials")
	return cmd
}
