package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var simulateUserID int64

var simulateCmd = &cobra.Command{
	Use:   "simulate-push",
	Short: "使用合成行情模拟一次定时推送",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateUserID == 0 {
			return errors.New("--user 必须提供")
		}
		return getApp().SimulatePush(cmd.Context(), simulateUserID)
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateUserID, "user", 0, "接收推送的用户 ID")
}
