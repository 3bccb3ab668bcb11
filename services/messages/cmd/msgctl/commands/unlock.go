package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock or register this device's key",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := promptPassword(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			sess, err := session()
			if err != nil {
				return err
			}
			if err := client.Login(cmd.Context(), sess, pw); err != nil {
				return err
			}
			s, _ := client.Session()
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocked.\nUser:   %s\nDevice: %s\n", s.UserID, s.DeviceID)
			return nil
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Remove the local key and history of the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := session()
			if err != nil {
				return err
			}
			if err := client.ClearLocalData(cmd.Context(), sess.UserID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "local data removed")
			return nil
		},
	}
}
