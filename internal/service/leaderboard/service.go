package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/moneybench/arena/internal/repository"
)

// Snapshot is a point-in-time ranking derived from the ledger and cycle
// history. It is computed on demand and never stored.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	Rows        []Row     `json:"rows"`
}

// Row is one ranked model.
type Row struct {
	Rank          int     `json:"rank"`
	ModelName     string  `json:"model_name"`
	CyclesTotal   int     `json:"cycles_total"`
	CyclesSettled int     `json:"cycles_settled"`
	DSR           float64 `json:"deployment_success_rate"`
	NetMinor      int64   `json:"net_revenue_minor"`
	Currency      string  `json:"currency"`
}

// Service assembles leaderboard snapshots.
type Service struct {
	transactions repository.TransactionRepository
	now          func() time.Time
}

// New constructs a leaderboard service.
func New(transactions repository.TransactionRepository) *Service {
	return &Service{transactions: transactions, now: time.Now}
}

// Snapshot ranks models by net attributed revenue, breaking ties by
// deployment success rate and then by name for a stable order.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := s.transactions.LeaderboardRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard rows: %w", err)
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{
			ModelName:     r.ModelName,
			CyclesTotal:   r.CyclesTotal,
			CyclesSettled: r.CyclesSettled,
			DSR:           r.DSR(),
			NetMinor:      r.NetMinor,
			Currency:      r.Currency,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].NetMinor != out[j].NetMinor {
			return out[i].NetMinor > out[j].NetMinor
		}
		if out[i].DSR != out[j].DSR {
			return out[i].DSR > out[j].DSR
		}
		return out[i].ModelName < out[j].ModelName
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return &Snapshot{GeneratedAt: s.now().UTC(), Rows: out}, nil
}
