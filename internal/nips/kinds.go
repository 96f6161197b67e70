package nips

// Event kinds used by the video data layer.
const (
	KindProfile       = 0
	KindFollowList    = 3
	KindDeletion      = 5
	KindReaction      = 7
	KindVideo         = 21
	KindShortVideo    = 22
	KindRelayList     = 10002
	KindAddressable   = 34235 // horizontal video (NIP-71)
	KindAddressableSV = 34236 // vertical / short video (NIP-71)
)

// VideoKinds are the kinds a video feed queries for.
var VideoKinds = []int{KindVideo, KindShortVideo, KindAddressable, KindAddressableSV}

// IsReplaceable reports whether only the latest event per author+kind is kept (NIP-01).
func IsReplaceable(kind int) bool {
	return kind == KindProfile || kind == KindFollowList || (kind >= 10000 && kind < 20000)
}

// IsAddressable reports whether only the latest event per author+kind+d-tag is kept (NIP-01).
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// IsVideo reports whether kind is one of VideoKinds.
func IsVideo(kind int) bool {
	for _, k := range VideoKinds {
		if k == kind {
			return true
		}
	}
	return false
}
