// Package storage computes per-instance data-directory size and feeds it
// into the hypervisor's storage_used accounting and the storage metrics
// family (spec §3 invariant 6, supplemented from
// original_source/tenement/src/storage.rs).
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// DirSize recursively sums the apparent size of every regular file under
// root. Missing directories report zero, not an error — an instance that
// has never been spawned has no data directory yet (spec §3 invariant 7).
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: measuring %s: %w", root, err)
	}
	return total, nil
}

// QuotaResult reports whether usage crossed the configured quota.
type QuotaResult struct {
	UsedBytes  int64
	QuotaBytes int64
	// RatioPer10000 is usage/quota scaled to an integer 0-10000, matching
	// the original hypervisor's allocation-free metric representation.
	RatioPer10000 int64
	OverQuota     bool
}

// CheckQuota measures root and compares it against quotaMB (0 = unlimited),
// logging a single warning if the quota was crossed. Quota is advisory
// (spec §3 invariant 6): crossing it does not stop the instance here.
func CheckQuota(root string, quotaMB int, service, label string, logger *slog.Logger) (QuotaResult, error) {
	used, err := DirSize(root)
	if err != nil {
		return QuotaResult{}, err
	}

	if quotaMB <= 0 {
		return QuotaResult{UsedBytes: used}, nil
	}

	quotaBytes := int64(quotaMB) * 1024 * 1024
	ratio := int64(0)
	if quotaBytes > 0 {
		ratio = used * 10000 / quotaBytes
	}
	over := used > quotaBytes
	if over && logger != nil {
		logger.Warn("storage quota exceeded",
			"service", service, "label", label,
			"used", humanize.Bytes(uint64(used)),
			"quota", humanize.Bytes(uint64(quotaBytes)))
	}
	return QuotaResult{UsedBytes: used, QuotaBytes: quotaBytes, RatioPer10000: ratio, OverQuota: over}, nil
}
