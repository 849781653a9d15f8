package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// Fingerprint identifies cart contents independent of line order. Two carts
// with the same products, quantities and snapshot prices hash identically.
func Fingerprint(lines []models.CartItem) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		parts = append(parts, fmt.Sprintf("%s:%d:%d", line.ProductID, line.Quantity, line.UnitPriceCents))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
