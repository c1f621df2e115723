package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"coinwatch/internal/app"
)

var (
	simulateAsset      string
	simulateDirection  string
	simulateValueType  string
	simulateTrigger    string
	simulateValue      string
	simulateReference  string
	simulatePrice      string
	simulateStale      bool
	simulateUser       int64
	simulateQuietStart string
	simulateQuietEnd   string
	simulateTimezone   string
	simulateDeliver    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次告警判定，可选地通过已配置通道推送",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAsset == "" {
			return errors.New("--asset 必须指定")
		}

		value, err := parsePositive("--value", simulateValue)
		if err != nil {
			return err
		}
		price, err := parsePositive("--price", simulatePrice)
		if err != nil {
			return err
		}
		var reference decimal.Decimal
		if simulateReference != "" {
			if reference, err = parsePositive("--reference", simulateReference); err != nil {
				return err
			}
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			AssetID:    simulateAsset,
			Direction:  simulateDirection,
			ValueType:  simulateValueType,
			Trigger:    simulateTrigger,
			Value:      value,
			Reference:  reference,
			Price:      price,
			Stale:      simulateStale,
			UserID:     simulateUser,
			QuietStart: simulateQuietStart,
			QuietEnd:   simulateQuietEnd,
			Timezone:   simulateTimezone,
			Deliver:    simulateDeliver,
			Out:        cmd.OutOrStdout(),
		})
	},
}

func parsePositive(flag, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s 必须大于 0", flag)
	}
	return d, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "Asset id, e.g. bitcoin")
	simulateCmd.Flags().StringVar(&simulateDirection, "direction", "rise", "rise, fall or both")
	simulateCmd.Flags().StringVar(&simulateValueType, "value-type", "percent", "percent, absolute or price")
	simulateCmd.Flags().StringVar(&simulateTrigger, "trigger", "take-profit", "take-profit or stop-loss")
	simulateCmd.Flags().StringVar(&simulateValue, "value", "", "Threshold value")
	simulateCmd.Flags().StringVar(&simulateReference, "reference", "", "Reference price for percent and absolute alerts")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Observed price to evaluate")
	simulateCmd.Flags().BoolVar(&simulateStale, "stale", false, "Treat the observed price as stale")
	simulateCmd.Flags().Int64Var(&simulateUser, "user", 0, "Recipient user id (Telegram chat id)")
	simulateCmd.Flags().StringVar(&simulateQuietStart, "quiet-start", "", "Quiet hours start, HH:MM")
	simulateCmd.Flags().StringVar(&simulateQuietEnd, "quiet-end", "", "Quiet hours end, HH:MM")
	simulateCmd.Flags().StringVar(&simulateTimezone, "tz", "", "IANA time zone for quiet hours")
	simulateCmd.Flags().BoolVar(&simulateDeliver, "deliver", false, "Send a triggered event through the configured sinks")
}
