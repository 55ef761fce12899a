package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// PhoneKey 把手机号 hash 成 redis key 片段，避免明文号码落在缓存里
func PhoneKey(phone string) string {
	sum := sha256.Sum256([]byte("phone:" + phone))
	return hex.EncodeToString(sum[:16])
}
