package store

import (
	"github.com/preidman/dex/domain/order"
)

// Stable key layout. Every entity is addressed by a key derived from its id;
// cross-entity atomicity is never assumed.
const (
	prefixRate      = "rate/"
	prefixSnapshot  = "snapshot/"
	prefixWatermark = "watermark/"
	prefixOrder     = "order/"
	prefixOrderInfo = "orderinfo/"
	prefixAccount   = "account/"
	prefixVolume    = "volume/"
	prefixBookState = "bookstate/"
	prefixDecimals  = "decimals/"
)

func rateKey(asset order.Asset) []byte {
	return []byte(prefixRate + string(asset))
}

func snapshotKey(pair order.AssetPair) []byte {
	return []byte(prefixSnapshot + pair.String())
}

func watermarkKey(pair order.AssetPair) []byte {
	return []byte(prefixWatermark + pair.String())
}

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func orderInfoKey(id string) []byte {
	return []byte(prefixOrderInfo + id)
}

func accountOrdersKey(account string) []byte {
	return []byte(prefixAccount + account + "/orders")
}

func volumeKey(pair order.AssetPair) []byte {
	return []byte(prefixVolume + pair.String())
}

func bookStateKey(pair order.AssetPair) []byte {
	return []byte(prefixBookState + pair.String())
}

func decimalsKey(asset order.Asset) []byte {
	return []byte(prefixDecimals + string(asset))
}
