package models

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/oklog/ulid/v2"
)

// NewID returns a time-sortable identifier such as "dlv_01HV...".
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}

func NewSecret() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 40)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		b[i] = charset[n.Int64()]
	}
	return fmt.Sprintf("whsec_%s", string(b))
}
