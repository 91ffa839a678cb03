package cmd

import (
	"github.com/spf13/cobra"
)

// newRemindCmd runs one renewal reminder sweep, for use from an external
// scheduler instead of the in-process cron.
func newRemindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Sends due subscription renewal reminders once and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := appInstance.RemindOnce(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("scanned=%d sent=%d delivery_failures=%d flag_failures=%d superseded=%d\n",
				sum.Scanned, sum.Sent, sum.DeliveryFailures, sum.FlagFailures, sum.Superseded)
			return nil
		},
	}
}
