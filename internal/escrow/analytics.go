package escrow

import (
	"context"
	"sort"
	"strconv"
	"time"
)

// Analytics provides aggregate metrics across escrows.
type Analytics struct {
	TotalCount         int            `json:"totalCount"`
	AvgTimeToRelease   float64        `json:"avgTimeToReleaseSecs"`
	DisputeRate        float64        `json:"disputeRate"` // 0-100
	AvgAmountCents     int64          `json:"avgAmountCents"`
	TotalVolumeCents   int64          `json:"totalVolumeCents"`
	ReleasedCentsTotal int64          `json:"releasedCentsTotal"`
	RefundedCount      int            `json:"refundedCount"`
	ByStatus           map[string]int `json:"byStatus"`
	TopSellers         []SellerStats  `json:"topSellers"`
}

// SellerStats provides per-seller aggregate info.
type SellerStats struct {
	SellerID         string `json:"sellerId"`
	EscrowCount      int    `json:"escrowCount"`
	TotalVolumeCents int64  `json:"totalVolumeCents"`
}

// AnalyticsFilter allows filtering escrow analytics.
type AnalyticsFilter struct {
	SellerID string
	Currency string
	From     *time.Time
	To       *time.Time
}

// AnalyticsQuerier provides read access to escrows for analytics.
type AnalyticsQuerier interface {
	QueryForAnalytics(ctx context.Context, filter AnalyticsFilter, limit int) ([]*Escrow, error)
}

// AnalyticsService computes analytics from escrow data.
type AnalyticsService struct {
	querier AnalyticsQuerier
}

// NewAnalyticsService creates an analytics service.
func NewAnalyticsService(q AnalyticsQuerier) *AnalyticsService {
	return &AnalyticsService{querier: q}
}

// GetAnalytics computes aggregate escrow analytics.
func (a *AnalyticsService) GetAnalytics(ctx context.Context, filter AnalyticsFilter) (*Analytics, error) {
	escrows, err := a.querier.QueryForAnalytics(ctx, filter, 10000)
	if err != nil {
		return nil, err
	}

	result := &Analytics{
		ByStatus: make(map[string]int),
	}

	var releaseTimes []float64
	disputeCount := 0
	sellerVolumes := make(map[string]int64)
	sellerCounts := make(map[string]int)

	for _, e := range escrows {
		result.TotalCount++
		result.ByStatus[string(e.Status)]++
		result.TotalVolumeCents += e.AmountCents
		result.ReleasedCentsTotal += e.ReleasedCents

		sellerVolumes[e.SellerID] += e.AmountCents
		sellerCounts[e.SellerID]++

		if e.ReleasedAt != nil {
			d := e.ReleasedAt.Sub(e.CreatedAt).Seconds()
			if d > 0 {
				releaseTimes = append(releaseTimes, d)
			}
		}

		if e.DisputedAt != nil {
			disputeCount++
		}
		if e.Status == StatusRefunded {
			result.RefundedCount++
		}
	}

	if result.TotalCount > 0 {
		result.AvgAmountCents = result.TotalVolumeCents / int64(result.TotalCount)
		result.DisputeRate = float64(disputeCount) / float64(result.TotalCount) * 100
	}

	if len(releaseTimes) > 0 {
		sum := 0.0
		for _, t := range releaseTimes {
			sum += t
		}
		result.AvgTimeToRelease = sum / float64(len(releaseTimes))
	}

	// Top sellers by volume (top 10)
	type sellerEntry struct {
		id     string
		volume int64
		count  int
	}
	var sellers []sellerEntry
	for id, vol := range sellerVolumes {
		sellers = append(sellers, sellerEntry{id, vol, sellerCounts[id]})
	}
	sort.Slice(sellers, func(i, j int) bool {
		return sellers[i].volume > sellers[j].volume
	})
	if len(sellers) > 10 {
		sellers = sellers[:10]
	}
	result.TopSellers = make([]SellerStats, 0, len(sellers))
	for _, s := range sellers {
		result.TopSellers = append(result.TopSellers, SellerStats{
			SellerID:         s.id,
			EscrowCount:      s.count,
			TotalVolumeCents: s.volume,
		})
	}

	return result, nil
}

// QueryForAnalytics implements AnalyticsQuerier in-memory.
func (m *MemoryStore) QueryForAnalytics(ctx context.Context, filter AnalyticsFilter, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !matchesFilter(e, filter) {
			continue
		}
		result = append(result, copyEscrow(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func matchesFilter(e *Escrow, f AnalyticsFilter) bool {
	if f.SellerID != "" && e.SellerID != f.SellerID {
		return false
	}
	if f.Currency != "" && e.Currency != f.Currency {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// QueryForAnalytics implements AnalyticsQuerier against PostgreSQL.
func (p *PostgresStore) QueryForAnalytics(ctx context.Context, filter AnalyticsFilter, limit int) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_agreements WHERE 1=1`
	args := []interface{}{}
	i := 1

	if filter.SellerID != "" {
		query += ` AND seller_id = $` + strconv.Itoa(i)
		args = append(args, filter.SellerID)
		i++
	}
	if filter.Currency != "" {
		query += ` AND currency = $` + strconv.Itoa(i)
		args = append(args, filter.Currency)
		i++
	}
	if filter.From != nil {
		query += ` AND created_at >= $` + strconv.Itoa(i)
		args = append(args, *filter.From)
		i++
	}
	if filter.To != nil {
		query += ` AND created_at <= $` + strconv.Itoa(i)
		args = append(args, *filter.To)
		i++
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(i)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}
