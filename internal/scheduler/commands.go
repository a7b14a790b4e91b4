package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/notifier"
)

const historyLimit = 10

// HandleCommand processes a chat command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return notifier.FormatHelp()
	}
	// "/balance@MyBot" is how Telegram addresses commands in group chats
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/balance":
		snap, err := s.snapshots.Collect(ctx, s.cfg.Asset)
		if err != nil {
			return fmt.Sprintf("Could not fetch %s balances: %v", s.cfg.Asset, err)
		}
		return notifier.FormatBalance(snap, s.cfg.FuturesEnabled)
	case "/status":
		last := s.LastPass()
		return notifier.FormatStatus(s.cfg.Asset, string(s.State()), s.locks.IsLocked(ctx, s.cfg.Asset), last.StartedAt, last.Result())
	case "/history":
		transfers, err := s.recorder.RecentTransfers(s.cfg.Asset, historyLimit)
		if err != nil {
			return fmt.Sprintf("Could not read history: %v", err)
		}
		return notifier.FormatHistory(s.cfg.Asset, transfers)
	case "/rebalance":
		if s.State() != StateRunning {
			return "Scheduler is stopped."
		}
		go s.RunNow()
		return "Rebalance pass triggered."
	case "/unlock":
		if err := s.locks.Unlock(ctx, s.cfg.Asset); err != nil {
			return fmt.Sprintf("Unlock failed: %v", err)
		}
		return fmt.Sprintf("%s unlocked.", s.cfg.Asset)
	default:
		return notifier.FormatHelp()
	}
}
