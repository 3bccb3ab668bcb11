package commands

import (
	"fmt"
	"time"

	cryptocore "secumsg/services/crypto-core"

	"github.com/spf13/cobra"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage registered devices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [user-id]",
		Short: "List the active devices of a user (default: you)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := login(cmd.Context(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			sess, _ := client.Session()
			target := sess.UserID
			if len(args) == 1 {
				target = args[0]
			}
			devices, err := client.Directory().ListDevices(cmd.Context(), target)
			if err != nil {
				return err
			}
			for _, d := range devices {
				mark := " "
				if d.DeviceID == sess.DeviceID {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s  %s\n", mark, d.DeviceID, d.CreatedAt.Local().Format(time.DateTime), cryptocore.EncodeKey(d.PublicKey))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke one of your devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := login(cmd.Context(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			if err := client.Directory().RevokeDevice(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	})
	return cmd
}
