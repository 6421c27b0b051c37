package idhash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// Bucket maps a position id to its partition in [0, hashMod).
// Formula: first 8 bytes of SHA-256 of the UTF-8 id, interpreted as an
// unsigned big-endian integer, mod hashMod. The same function is used at
// fan-out and at execution so both sides agree on the partitioning.
func Bucket(positionID string, hashMod int) int {
	if hashMod < 1 {
		hashMod = 1
	}
	sum := sha256.Sum256([]byte(positionID))
	n := binary.BigEndian.Uint64(sum[:8])
	return int(n % uint64(hashMod))
}

// TaskID computes a deterministic task id.
// Formula: SHA256(run_id|portfolio_node_id|product_type|hash_bucket).
// Returns hex-encoded hash (64 characters).
func TaskID(runID, portfolioNodeID, productType string, hashBucket int) string {
	data := fmt.Sprintf("%s|%s|%s|%d", runID, portfolioNodeID, productType, hashBucket)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// InputHash fingerprints everything that fed one pricer call.
// Formula: SHA256(market_payload_hash|position_hash|instrument_hash|pricer_version|scenario_id).
func InputHash(marketPayloadHash, positionHash, instrumentHash, pricerVersion, scenarioID string) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s",
		marketPayloadHash, positionHash, instrumentHash, pricerVersion, scenarioID)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// PositionSnapshotID mints a compact content-derived snapshot id:
// "ps" + base58 of the first 16 bytes of SHA256(portfolio_node_id|payload_hash).
// Equal (node, payload) pairs yield equal ids, which is what the dedup path
// relies on.
func PositionSnapshotID(portfolioNodeID, payloadHash string) string {
	sum := sha256.Sum256([]byte(portfolioNodeID + "|" + payloadHash))
	return "ps" + base58.Encode(sum[:16])
}
