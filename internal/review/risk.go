package review

import (
	"time"

	"gracechurch.org/authz/internal/authz"
)

// NeverReviewedDays stands in for the age of a review that never happened.
const NeverReviewedDays = 999

// MaxScore caps CalculateRiskScore.
const MaxScore = 100

const maxExposure = 50

// Priority is a review queue tier.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists tiers from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// CalculateRiskScore sums exposure, role weight and staleness penalties into [0,100].
// Only the exposure term and the total are clamped.
func CalculateRiskScore(u authz.User, permissionCount int, now time.Time) int {
	exposure := permissionCount * 2
	if exposure > maxExposure {
		exposure = maxExposure
	}
	if exposure < 0 {
		exposure = 0
	}
	score := exposure + roleRisk(u.RoleKind()) + loginPenalty(u.LastLogin, now) + reviewPenalty(u.LastPermissionReview, now)
	if !u.IsActive {
		score += 30
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

func roleRisk(k authz.RoleKind) int {
	switch k {
	case authz.RoleAdmin:
		return 30
	case authz.RolePastor:
		return 20
	case authz.RoleElder:
		return 15
	case authz.RoleTeacher:
		return 10
	case authz.RoleMember:
		return 5
	case authz.RoleOther:
		return 0
	}
	return 0
}

func loginPenalty(last *time.Time, now time.Time) int {
	if last == nil {
		return 50
	}
	switch days := daysBetween(*last, now); {
	case days > 90:
		return 40
	case days > 30:
		return 20
	case days > 7:
		return 10
	default:
		return 0
	}
}

func reviewPenalty(last *time.Time, now time.Time) int {
	if last == nil {
		return 40
	}
	switch days := daysBetween(*last, now); {
	case days > 180:
		return 30
	case days > 90:
		return 20
	case days > 60:
		return 10
	default:
		return 0
	}
}

// DaysSinceReview returns whole days since the last review, or NeverReviewedDays.
func DaysSinceReview(u authz.User, now time.Time) int {
	if u.LastPermissionReview == nil {
		return NeverReviewedDays
	}
	return daysBetween(*u.LastPermissionReview, now)
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// RiskPriority maps a score and review age onto a tier. Tiers are checked from
// critical down and either signal alone escalates.
func RiskPriority(score, daysSinceReview int) Priority {
	switch {
	case score >= 80 || daysSinceReview >= 180:
		return PriorityCritical
	case score >= 60 || daysSinceReview >= 120:
		return PriorityHigh
	case score >= 40 || daysSinceReview >= 90:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
