package cipher

import "crypto/md5" //nolint:gosec // Key derivation is fixed by the shadowsocks wire format.

// deriveKey stretches password into keyLen bytes the way OpenSSL's
// EVP_BytesToKey does with MD5 and a single round, which every shadowsocks
// stream cipher implementation uses.
func deriveKey(password string, keyLen int) []byte {
	var (
		key  = make([]byte, 0, keyLen+md5.Size)
		prev []byte
	)
	for len(key) < keyLen {
		h := md5.New() //nolint:gosec
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}
