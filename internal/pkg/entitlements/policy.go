package entitlements

import (
	"strings"
	"time"

	"github.com/FitnessMealPlanner/entitlements/app/models"
)

// Unlimited marks a metric without a ceiling.
const Unlimited int64 = -1

// Feature capability keys exposed in snapshots.
const (
	FeatureViewLibrary     = "view_library"
	FeaturePDFExport       = "pdf_export"
	FeatureGroceryLists    = "grocery_lists"
	FeatureBulkGeneration  = "bulk_generation"
	FeatureAPIAccess       = "api_access"
	FeaturePrioritySupport = "priority_support"
)

// Snapshot is the derived feature/limit view for one customer. It is always
// reproducible from the subscription row plus the static tier policy; the
// cache holding it is disposable.
type Snapshot struct {
	CustomerID string           `json:"customer_id"`
	Tier       string           `json:"tier"`
	Status     string           `json:"status"`
	Limits     map[string]int64 `json:"limits"`
	Features   map[string]bool  `json:"features"`
	ComputedAt time.Time        `json:"computed_at"`
}

// Limit returns the ceiling for a metric and whether the metric is metered at
// all for this snapshot.
func (s Snapshot) Limit(metric string) (int64, bool) {
	limit, ok := s.Limits[metric]
	return limit, ok
}

// HasFeature reports whether the capability is granted.
func (s Snapshot) HasFeature(feature string) bool {
	return s.Features[feature]
}

// tierPolicy is the static tier policy table. Limits and flags never depend
// on anything but (tier, status); runtime state stays out of this table.
var tierPolicy = map[string]struct {
	limits   map[string]int64
	features map[string]bool
}{
	models.TierStarter: {
		limits: map[string]int64{
			models.MetricGenerations: 50,
			models.MetricPDFExports:  20,
		},
		features: map[string]bool{
			FeatureViewLibrary:     true,
			FeaturePDFExport:       true,
			FeatureGroceryLists:    true,
			FeatureBulkGeneration:  false,
			FeatureAPIAccess:       false,
			FeaturePrioritySupport: false,
		},
	},
	models.TierProfessional: {
		limits: map[string]int64{
			models.MetricGenerations: 500,
			models.MetricPDFExports:  Unlimited,
		},
		features: map[string]bool{
			FeatureViewLibrary:     true,
			FeaturePDFExport:       true,
			FeatureGroceryLists:    true,
			FeatureBulkGeneration:  true,
			FeatureAPIAccess:       false,
			FeaturePrioritySupport: false,
		},
	},
	models.TierEnterprise: {
		limits: map[string]int64{
			models.MetricGenerations: Unlimited,
			models.MetricPDFExports:  Unlimited,
		},
		features: map[string]bool{
			FeatureViewLibrary:     true,
			FeaturePDFExport:       true,
			FeatureGroceryLists:    true,
			FeatureBulkGeneration:  true,
			FeatureAPIAccess:       true,
			FeaturePrioritySupport: true,
		},
	},
}

// Resolve computes the snapshot for a (tier, status) pair. Subscriptions in
// past_due or unpaid degrade to the restricted read-only set regardless of
// tier; canceled or missing subscriptions get the same baseline. The status
// fold happens here so callers never scatter status conditionals.
func Resolve(customerID, tier, status string, now time.Time) Snapshot {
	tier = strings.ToLower(strings.TrimSpace(tier))
	status = strings.ToLower(strings.TrimSpace(status))

	if !entitlingStatus(status) {
		return restrictedSnapshot(customerID, tier, status, now)
	}

	policy, ok := tierPolicy[tier]
	if !ok {
		return restrictedSnapshot(customerID, tier, status, now)
	}

	return Snapshot{
		CustomerID: customerID,
		Tier:       tier,
		Status:     status,
		Limits:     copyLimits(policy.limits),
		Features:   copyFeatures(policy.features),
		ComputedAt: now.UTC(),
	}
}

func entitlingStatus(status string) bool {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
		return true
	default:
		return false
	}
}

// restrictedSnapshot grants read-only library access and nothing metered.
func restrictedSnapshot(customerID, tier, status string, now time.Time) Snapshot {
	limits := make(map[string]int64, 2)
	for metric := range tierPolicy[models.TierStarter].limits {
		limits[metric] = 0
	}
	features := make(map[string]bool, 6)
	for feature := range tierPolicy[models.TierStarter].features {
		features[feature] = feature == FeatureViewLibrary
	}
	return Snapshot{
		CustomerID: customerID,
		Tier:       tier,
		Status:     status,
		Limits:     limits,
		Features:   features,
		ComputedAt: now.UTC(),
	}
}

func copyLimits(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFeatures(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
