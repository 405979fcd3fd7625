package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// FragmentKey identifies a transcript fragment by content so a redelivered
// fragment is recognized without a separate dedupe table.
func FragmentKey(conversationKey string, frag Fragment) string {
	h := sha256.New()
	h.Write([]byte(conversationKey))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(frag.At.UTC().UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(frag.Text))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
