package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// FormatBalance renders a balance snapshot.
func FormatBalance(snap model.BalanceSnapshot, futuresEnabled bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💼 <b>%s balance</b> | %s\n\n", snap.Asset, snap.FetchedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Spot: %s\n", snap.SpotFree)
	fmt.Fprintf(&b, "Savings: %s\n", snap.SavingsAmount)
	fmt.Fprintf(&b, "Total: %s\n", snap.Total())
	if futuresEnabled {
		fmt.Fprintf(&b, "Futures: %s (free %s)\n", snap.FuturesFull, snap.FuturesFree)
	}
	return b.String()
}

// FormatInsufficientLiquidity renders the alert sent when savings cannot
// cover the spot floor.
func FormatInsufficientLiquidity(asset string, snap model.BalanceSnapshot, minSpot, shortfall decimal.Decimal) string {
	return fmt.Sprintf("⚠️ <b>Insufficient liquidity</b> | %s\n\nSpot %s is below the floor %s and savings hold only %s.\nShort by %s.",
		asset, snap.SpotFree, minSpot, snap.SavingsAmount, shortfall)
}

// FormatTransferFailure renders a failed transfer alert.
func FormatTransferFailure(asset string, action model.TransferAction, err error) string {
	return fmt.Sprintf("❌ <b>Transfer failed</b> | %s\n\n%s %s\n<code>%s</code>",
		asset, action.Kind, action.Amount, html.EscapeString(err.Error()))
}

// FormatStatus renders the scheduler state for /status.
func FormatStatus(asset, state string, locked bool, lastPass time.Time, lastResult string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 <b>Rebalancer</b> | %s\n\n", asset)
	fmt.Fprintf(&b, "Scheduler: %s\n", state)
	lockState := "free"
	if locked {
		lockState = "locked"
	}
	fmt.Fprintf(&b, "Lock: %s\n", lockState)
	if lastPass.IsZero() {
		b.WriteString("Last pass: never\n")
	} else {
		fmt.Fprintf(&b, "Last pass: %s (%s)\n", lastPass.UTC().Format(time.RFC3339), html.EscapeString(lastResult))
	}
	return b.String()
}

// FormatHistory renders recent journal entries.
func FormatHistory(asset string, transfers []model.TransferEvent) string {
	if len(transfers) == 0 {
		return fmt.Sprintf("No transfers recorded for %s.", asset)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📜 <b>Recent transfers</b> | %s\n\n", asset)
	for _, t := range transfers {
		mark := "✅"
		if !t.OK {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s %s %s %s (%s)\n", mark, t.Timestamp.UTC().Format("01-02 15:04"), t.Kind, t.Amount, t.Source)
	}
	return b.String()
}

// FormatHelp lists the supported commands.
func FormatHelp() string {
	return "Commands:\n• /balance\n• /status\n• /history\n• /rebalance\n• /unlock"
}
