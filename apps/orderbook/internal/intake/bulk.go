package intake

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderbook/apps/orderbook/internal/model"
)

// BulkResult is the outcome of one order in a bulk submission, in submission order.
type BulkResult struct {
	Hash  string
	Order *model.Order
	Err   error
}

// CreateOrderBulk creates orders that touch the same token one after another and
// orders for different tokens concurrently. One rejected order does not stop the rest.
func (s *Service) CreateOrderBulk(ctx context.Context, reqs []OrderRequest) []BulkResult {
	results := make([]BulkResult, len(reqs))

	var (
		groups [][]int
		index  = map[string]int{}
	)
	for i, req := range reqs {
		results[i].Hash = req.Hash

		key := groupKey(req, i)
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, members := range groups {
		members := members
		g.Go(func() error {
			for _, i := range members {
				order, err := s.CreateOrder(ctx, reqs[i])
				results[i].Order, results[i].Err = order, err
				if err != nil {
					s.logger.Info("Bulk order rejected", zap.String("hash", reqs[i].Hash), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// groupKey is the first token leg's (token, identifier), or a key unique to the order
// when it has none.
func groupKey(req OrderRequest, i int) string {
	for _, items := range [][]OrderItem{req.Offer, req.Consideration} {
		for _, item := range items {
			if item.ItemType.IsNFT() {
				return fmt.Sprintf("%d:%s:%s", req.ChainID, strings.ToLower(item.Token), item.IdentifierOrCriteria)
			}
		}
	}
	return fmt.Sprintf("order:%d", i)
}
