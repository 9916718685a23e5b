package attest

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

const txIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewExternalTransactionID returns "tx-<unix millis>-<8 alnum>".
func NewExternalTransactionID(now time.Time, r io.Reader) (string, error) {
	suffix := make([]byte, 0, 8)
	buf := make([]byte, 16)
	for len(suffix) < 8 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, c := range buf {
			// reject to keep the alphabet uniform
			if c >= 252 {
				continue
			}
			suffix = append(suffix, txIDAlphabet[int(c)%len(txIDAlphabet)])
			if len(suffix) == 8 {
				break
			}
		}
	}
	return "tx-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + string(suffix), nil
}
