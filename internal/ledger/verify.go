package ledger

import (
	"fmt"

	"blockci/internal/security"
)

// Verify re-computes every record hash, checks the chain links and indexes,
// and verifies signatures on signed records.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.records {
		if r.Index != i {
			return fmt.Errorf("index mismatch: expected %d, got %d", i, r.Index)
		}

		h, err := r.ComputeHash()
		if err != nil {
			return fmt.Errorf("computing hash for index %d: %w", i, err)
		}
		if h != r.Hash {
			return fmt.Errorf("hash mismatch at index %d", i)
		}

		prev := ""
		if i > 0 {
			prev = l.records[i-1].Hash
		}
		if r.PrevHash != prev {
			return fmt.Errorf("prev hash mismatch at index %d", i)
		}

		if r.Signature == "" {
			continue
		}
		ok, err := security.VerifySignatureFromHex(r.PubKey, []byte(r.Hash), r.Signature)
		if err != nil {
			return fmt.Errorf("signature at index %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("invalid signature at index %d", i)
		}
	}
	return nil
}
