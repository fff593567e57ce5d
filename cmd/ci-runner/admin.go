package main

import (
	"fmt"
	"time"

	"github.com/cuemby/ci-runner/internal/security"
	"github.com/cuemby/ci-runner/internal/store"
	"github.com/cuemby/ci-runner/internal/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Provision users and API keys (thin wrapper over store operations)",
}

var adminDataDirFlag string

func init() {
	adminCmd.PersistentFlags().StringVar(&adminDataDirFlag, "data-dir", "./data", "directory holding the persistent store")

	userCmd := &cobra.Command{Use: "user", Short: "Manage users"}
	userCmd.AddCommand(
		&cobra.Command{
			Use:   "create <name> <email>",
			Short: "Create a user",
			Args:  cobra.ExactArgs(2),
			RunE:  adminUserCreate,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List users",
			RunE:  adminUserList,
		},
		&cobra.Command{
			Use:   "deactivate <id>",
			Short: "Deactivate a user",
			Args:  cobra.ExactArgs(1),
			RunE:  adminUserDeactivate,
		},
	)

	keyCmd := &cobra.Command{Use: "key", Short: "Manage API keys"}
	keyCreateCmd := &cobra.Command{
		Use:   "create <user_id> <name>",
		Short: "Create an API key. The plaintext secret is printed once and never again.",
		Args:  cobra.ExactArgs(2),
		RunE:  adminKeyCreate,
	}
	keyListCmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE:  adminKeyList,
	}
	keyListCmd.Flags().String("user", "", "restrict to one user's keys")
	keyRevokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE:  adminKeyRevoke,
	}
	keyCmd.AddCommand(keyCreateCmd, keyListCmd, keyRevokeCmd)

	jobsCmd := &cobra.Command{Use: "jobs", Short: "Administer jobs"}
	jobsPurgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed/failed jobs older than --before",
		RunE:  adminJobsPurge,
	}
	jobsPurgeCmd.Flags().Duration("before", 30*24*time.Hour, "purge jobs that reached a terminal state before this long ago")
	jobsCmd.AddCommand(jobsPurgeCmd)

	adminCmd.AddCommand(userCmd, keyCmd, jobsCmd)
}

func openAdminStore() (store.Store, error) {
	return store.NewBoltStore(adminDataDirFlag)
}

func adminUserCreate(cmd *cobra.Command, args []string) error {
	st, err := openAdminStore()
	if err != nil {
		return err
	}
	defer st.Close()

	user := &types.User{
		ID:        uuid.NewString(),
		Name:      args[0],
		Email:     args[1],
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}
	if err := st.CreateUser(user); err != nil {
		return err
	}
	fmt.Printf("created user %s (%s)\n", user.ID, user.Email)
	return nil
}

func adminUserList(cmd *cobra.Command, args []string) error {
	st, err := openAdminStore()
	if err != nil {
		return err
	}
	defer st.Close()

	users, err := st.ListUsers()
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Printf("%s\t%s\t%s\tactive=%v\n", u.ID, u.Name, u.Email, u.IsActive)
	}
	return nil
}

func adminUserDeactivate(cmd *cobra.Command, args []string) error {
	st, err := openAdminStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetUserActive(args[0], false); err != nil {
		return err
	}
	fmt.Printf("deactivated user %s\n", args[0])
	return nil
}

func adminKeyCreate(cmd *cobra.Command, args []string) error {
	st, err := openAdminStore()
	if err != nil {
		return err
	}
	defer st.Close()

	plaintext, hash, err := security.GenerateAPIKey()
	if err != nil {
		return err
	}

	key := &types.APIKey{
		ID:        uuid.NewString(),
		UserID:    args[0],
		Name:      args[1],
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}
	if err := st.CreateAPIKey(key); err != nil {
		return err
	}

	fmt.Printf("created api key %s for user %s\n", key.ID, key.UserID)
	fmt.Printf("secret (shown once): %s\n", plaintext)
	return nil
}

func adminKeyList(cmd *cobra.Command, args []string) error {
	st, err := openAdminStore()
	if err != nil {
		return err
	}
	defer st.Close()

	userID, _ := cmd.Flags().GetString("user")
	keys, err := st.ListAPIKeys(userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Printf("%s\t%s\t%s\tactive=%v\n", k.ID, k.UserID, k.Name, k.IsActive)
	}
	return nil
}

func adminKeyRevoke(cmd *cobra.Command, args []string) error {
	st, err := openAdminStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RevokeAPIKey(args[0]); err != nil {
		return err
	}
	fmt.Printf("revoked api key %s\n", args[0])
	return nil
}

func adminJobsPurge(cmd *cobra.Command, args []string) error {
	st, err := openAdminStore()
	if err != nil {
		return err
	}
	defer st.Close()

	before, _ := cmd.Flags().GetDuration("before")
	cutoff := time.Now().UTC().Add(-before)
	n, err := st.PurgeCompletedJobsBefore(cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d job(s) completed before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
