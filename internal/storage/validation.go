package storage

import "errors"

var ErrKeyFormatInvalid = errors.New("key format invalid")

// ValidateKey accepts non-empty keys made of [0-9a-zA-Z_].
func ValidateKey(key string) error {
	if key == "" || !validateKeyFormat(key) {
		return ErrKeyFormatInvalid
	}
	return nil
}

func validateKeyFormat(key string) bool {
	for _, ch := range key {
		if (ch >= '0' && ch <= '9') ||
			(ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch == '_') {
			continue
		} else {
			return false
		}
	}
	return true
}
