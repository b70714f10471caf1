package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/eventlot/eventlot/store"
)

const qrPrefix = "EVENT:"

// QRPayload encodes the short QR form for an event.
func QRPayload(eventID string) string {
	return qrPrefix + eventID
}

// QRPayloadStamped encodes the stamped QR form carrying the issue time and a
// short integrity hash over the ID and timestamp.
func QRPayloadStamped(eventID string, at time.Time) string {
	ms := at.UnixMilli()
	sum := sha256.Sum256([]byte(eventID + ":" + strconv.FormatInt(ms, 10)))
	return qrPrefix + eventID + ":TIMESTAMP:" + strconv.FormatInt(ms, 10) + ":HASH:" + hex.EncodeToString(sum[:8])
}

// ParseQRPayload extracts the event ID from either QR form: the ID is the
// substring between the first two colons (or the remainder for the short
// form).
func ParseQRPayload(payload string) (string, error) {
	if !strings.HasPrefix(payload, qrPrefix) {
		return "", store.Errorf(store.KindPreconditionFailed, "not an event QR payload")
	}
	rest := payload[len(qrPrefix):]
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", store.Errorf(store.KindPreconditionFailed, "empty event id in QR payload")
	}
	return rest, nil
}
