package federation

import (
	"context"
	"fmt"
	"strings"

	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/index"
	"github.com/medrecnet/platform/pkg/observability/metrics"
)

func canBreakGlass(caller models.Caller) bool {
	switch caller.Role {
	case models.RoleDoctor, models.RoleCentralAdmin:
		return caller.ActorID != ""
	default:
		return false
	}
}

// Emergency is break-glass access. Patient blocks are consulted but
// overridden, and the answer is reduced to what a treating clinician needs
// at once. Every attempt is audited as emergency_access, successful or not.
func (o *Orchestrator) Emergency(ctx context.Context, icNumber string, caller models.Caller, reason string) (*models.EmergencyResult, error) {
	start := o.now()
	icNumber = strings.TrimSpace(icNumber)
	reason = strings.TrimSpace(reason)
	log := logger.ForIC(icNumber).WithField("actor_id", caller.ActorID)
	metrics.EmergencyAccess()

	deny := func(cause error, details string) error {
		metrics.QueryAborted()
		if _, err := o.auditor.Append(context.WithoutCancel(ctx), o.entry(caller, models.ActionEmergencyAccess, icNumber, "", details, false)); err != nil {
			log.WithError(err).Error("failed to audit denied emergency access")
		}
		return cause
	}

	if !canBreakGlass(caller) {
		return nil, deny(ErrUnauthorized, "emergency access denied: role "+caller.Role)
	}
	if reason == "" {
		return nil, deny(ErrInvalidReason, "emergency access denied: no reason given")
	}
	if !o.limiter.allow(caller.ActorID, o.now()) {
		return nil, deny(ErrBreakGlassLimit, "emergency access denied: limit reached; reason: "+reason)
	}

	result := &models.EmergencyResult{
		ICNumber:          icNumber,
		Allergies:         []string{},
		ChronicConditions: []string{},
		Hospitals:         []models.EmergencyBundle{},
	}

	entry, err := o.index.Lookup(ctx, icNumber)
	if err != nil && !index.IsNotFound(err) {
		log.WithError(err).Error("index lookup failed")
		if auditErr := o.record(ctx, o.entry(caller, models.ActionEmergencyAccess, icNumber, "", "index unavailable; reason: "+reason, false)); auditErr != nil {
			return nil, auditErr
		}
		metrics.QueryAborted()
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	overridden := make(map[string]bool, len(entry.HospitalIDs))
	for _, id := range entry.HospitalIDs {
		blocked, err := o.consent.IsBlocked(ctx, icNumber, id)
		if err != nil {
			log.WithError(err).WithField("hospital_id", id).Warn("consent lookup failed during emergency access")
			continue
		}
		overridden[id] = blocked
	}

	bundles := o.fetchAll(ctx, icNumber, caller, entry.HospitalIDs, false)
	if ctxErr := ctx.Err(); ctxErr != nil {
		metrics.QueryAborted()
		details := fmt.Sprintf("emergency access cancelled: %v; reason: %s", ctxErr, reason)
		if _, err := o.auditor.Append(context.WithoutCancel(ctx), o.entry(caller, models.ActionEmergencyAccess, icNumber, "", details, false)); err != nil {
			log.WithError(err).Error("failed to audit cancelled emergency access")
		}
		return nil, ctxErr
	}

	overrideCount := 0
	allergies := newOrderedSet()
	conditions := newOrderedSet()
	for _, b := range bundles {
		eb := models.EmergencyBundle{
			HospitalID:        b.HospitalID,
			HospitalName:      b.HospitalName,
			ConsentOverridden: overridden[b.HospitalID],
			FetchError:        b.FetchError,
		}
		if eb.ConsentOverridden {
			overrideCount++
		}
		result.Hospitals = append(result.Hospitals, eb)
		result.TotalHospitalsQueried++
		if !b.Reachable() {
			continue
		}
		result.TotalHospitalsReachable++
		if b.Patient == nil {
			continue
		}
		p := b.Patient
		if result.Name == "" {
			result.Name = p.Name
		}
		if result.BloodType == "" {
			result.BloodType = p.BloodType
		}
		if result.EmergencyContact == nil && p.EmergencyContact != nil {
			contact := *p.EmergencyContact
			result.EmergencyContact = &contact
		}
		allergies.addAll(p.Allergies)
		conditions.addAll(p.ChronicConditions)
	}
	result.Allergies = allergies.items
	result.ChronicConditions = conditions.items
	result.QueryDurationMs = o.since(start)

	details := fmt.Sprintf("reason: %s; hospitals queried=%d reachable=%d consent overridden=%d",
		reason, result.TotalHospitalsQueried, result.TotalHospitalsReachable, overrideCount)
	if err := o.record(ctx, o.entry(caller, models.ActionEmergencyAccess, icNumber, "", details, true)); err != nil {
		metrics.QueryAborted()
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"reason":              reason,
		"consent_overridden":  overrideCount,
		"hospitals_reachable": result.TotalHospitalsReachable,
	}).Warn("emergency access granted")
	return result, nil
}

// orderedSet keeps first-seen order and compares case-insensitively.
type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), items: []string{}}
}

func (s *orderedSet) addAll(values []string) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if key == "" {
			continue
		}
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		s.items = append(s.items, v)
	}
}
