package services

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/plant-market/models"
	"github.com/yeremiapane/plant-market/utils"
)

// BidResolver picks the bid a payment is attributed to. ok=false hands the
// order to the next resolver in the chain.
type BidResolver func(ctx context.Context, order *models.Order) (bidID *uint, ok bool)

// AttributionChain is the default order: the bid made in the order's
// conversation, then the vendor's latest bid, then the sentinel. A sentinel
// of 0 leaves the payment unattributed.
func AttributionChain(store PaymentStore, sentinelBidID uint) []BidResolver {
	return []BidResolver{
		BidFromConversation(store),
		LatestVendorBid(store),
		SentinelBid(sentinelBidID),
	}
}

// ResolveBid runs the resolvers in order and returns the first answer. A chain
// that ends without an answer yields nil.
func ResolveBid(ctx context.Context, resolvers []BidResolver, order *models.Order) *uint {
	for _, resolve := range resolvers {
		if bidID, ok := resolve(ctx, order); ok {
			return bidID
		}
	}
	return nil
}

func BidFromConversation(store PaymentStore) BidResolver {
	return func(ctx context.Context, order *models.Order) (*uint, bool) {
		if order.ConversationID == nil {
			return nil, false
		}
		bid, err := store.GetBidByVendorAndConversation(ctx, order.VendorID, *order.ConversationID)
		if err != nil {
			if !errors.Is(err, ErrBidNotFound) {
				logBidLookupFailure(order, "conversation", err)
			}
			return nil, false
		}
		return &bid.ID, true
	}
}

func LatestVendorBid(store PaymentStore) BidResolver {
	return func(ctx context.Context, order *models.Order) (*uint, bool) {
		bids, err := store.GetBidsForVendor(ctx, order.VendorID)
		if err != nil {
			logBidLookupFailure(order, "vendor", err)
			return nil, false
		}
		if len(bids) == 0 {
			return nil, false
		}
		return &bids[0].ID, true
	}
}

// SentinelBid always answers.
func SentinelBid(id uint) BidResolver {
	return func(ctx context.Context, order *models.Order) (*uint, bool) {
		utils.InfoLogger.WithFields(logrus.Fields{
			"order_id":  order.OrderID,
			"vendor_id": order.VendorID,
			"bid_id":    id,
		}).Warn("no bid found for payment attribution, using sentinel")
		if id == 0 {
			return nil, true
		}
		bidID := id
		return &bidID, true
	}
}

func logBidLookupFailure(order *models.Order, strategy string, err error) {
	utils.ErrorLogger.WithFields(logrus.Fields{
		"order_id":  order.OrderID,
		"vendor_id": order.VendorID,
		"strategy":  strategy,
	}).WithError(err).Warn("bid lookup failed")
}
