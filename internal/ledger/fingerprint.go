package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/utils"
)

// DefaultBucket is the fingerprint time bucket used when none is configured.
const DefaultBucket = 5 * time.Minute

// Fingerprint derives the deduplication key for ev. Events for the same
// resource and event name whose timestamps fall in the same bucket share a
// fingerprint.
func Fingerprint(ev models.Event, bucket time.Duration) models.Fingerprint {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	start := utils.BucketStart(ev.Timestamp, bucket)
	parts := []string{
		ev.ResourceType,
		ev.ResourceID,
		ev.EventName,
		strconv.FormatInt(start.Unix(), 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return models.Fingerprint(hex.EncodeToString(sum[:]))
}
