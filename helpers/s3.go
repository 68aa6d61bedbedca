package helpers

import "fmt"

// NewS3Key constructs the object key for a message body. Bodies are shared
// across deliveries, so the key depends on the content hash only.
func NewS3Key(hash string) string {
	if len(hash) < 4 {
		return "messages/" + hash
	}
	return fmt.Sprintf("messages/%s/%s/%s", hash[:2], hash[2:4], hash)
}
