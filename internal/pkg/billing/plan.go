package billing

import (
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// isEntitlingStatus reports whether a subscription in status should drive the
// user's plan.
func isEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.BillingStatusActive, models.BillingStatusTrialing:
		return true
	default:
		return false
	}
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "" {
		return models.BillingStatusActive
	}
	return s
}

func parseUserID(meta map[string]string) uint {
	raw := strings.TrimSpace(meta[MetaUserID])
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func parseCredits(meta map[string]string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(meta[MetaCredits]), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
