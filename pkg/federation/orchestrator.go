// Package federation answers cross-hospital questions about one patient. It
// looks the IC up in the central index, drops hospitals the patient has
// blocked, fans out to every remaining hospital concurrently and merges what
// comes back into a single chronological view. Hospitals that fail or time
// out are reported in the result rather than failing the query.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/hospital"
	"github.com/medrecnet/platform/pkg/index"
	"github.com/medrecnet/platform/pkg/medication"
	"github.com/medrecnet/platform/pkg/observability/metrics"
)

const (
	DefaultHospitalTimeout  = 3 * time.Second
	DefaultBreakGlassLimit  = 10
	DefaultBreakGlassWindow = time.Hour

	fetchErrNotRegistered = "hospital not registered"
)

type IndexReader interface {
	Lookup(ctx context.Context, icNumber string) (models.PatientIndexEntry, error)
}

type ConsentReader interface {
	IsBlocked(ctx context.Context, icNumber, hospitalID string) (bool, error)
}

type Auditor interface {
	Append(ctx context.Context, entry models.AuditLogEntry) (models.AuditLogEntry, error)
}

// Directory resolves hospital ids to stores; *hospital.Registry satisfies it.
type Directory interface {
	Lookup(id string) (hospital.Member, bool)
}

type Config struct {
	HospitalTimeout  time.Duration
	BreakGlassLimit  int
	BreakGlassWindow time.Duration
}

type QueryOptions struct {
	CheckInteractions bool
}

type Orchestrator struct {
	index     IndexReader
	consent   ConsentReader
	hospitals Directory
	auditor   Auditor
	checker   *medication.Checker
	cfg       Config
	limiter   *breakGlassLimiter
	now       func() time.Time
}

// NewOrchestrator wires the query engine. checker may be nil, in which case
// the built-in interaction table is used.
func NewOrchestrator(idx IndexReader, consent ConsentReader, hospitals Directory, auditor Auditor, checker *medication.Checker, cfg Config) *Orchestrator {
	if cfg.HospitalTimeout <= 0 {
		cfg.HospitalTimeout = DefaultHospitalTimeout
	}
	if cfg.BreakGlassLimit == 0 {
		cfg.BreakGlassLimit = DefaultBreakGlassLimit
	}
	if cfg.BreakGlassWindow <= 0 {
		cfg.BreakGlassWindow = DefaultBreakGlassWindow
	}
	if checker == nil {
		checker = medication.NewChecker(medication.DefaultTable())
	}
	return &Orchestrator{
		index:     idx,
		consent:   consent,
		hospitals: hospitals,
		auditor:   auditor,
		checker:   checker,
		cfg:       cfg,
		limiter:   newBreakGlassLimiter(cfg.BreakGlassLimit, cfg.BreakGlassWindow),
		now:       time.Now,
	}
}

// RunMaintenance prunes idle break-glass counters until ctx is done.
func (o *Orchestrator) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.BreakGlassWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.limiter.sweep(o.now())
		}
	}
}

func canQuery(caller models.Caller, icNumber string) bool {
	switch caller.Role {
	case models.RoleDoctor, models.RoleCentralAdmin:
		return caller.ActorID != ""
	case models.RolePatient:
		return caller.ICNumber != "" && caller.ICNumber == icNumber
	default:
		return false
	}
}

// Query returns every record the caller may see for icNumber across the
// network.
func (o *Orchestrator) Query(ctx context.Context, icNumber string, caller models.Caller, opts QueryOptions) (*models.AggregateQueryResult, error) {
	start := o.now()
	icNumber = strings.TrimSpace(icNumber)
	log := logger.ForIC(icNumber).WithField("actor_id", caller.ActorID)

	if !canQuery(caller, icNumber) {
		metrics.QueryAborted()
		if _, err := o.auditor.Append(context.WithoutCancel(ctx), o.entry(caller, models.ActionQuery, icNumber, "", "unauthorized query", false)); err != nil {
			log.WithError(err).Error("failed to audit unauthorized query")
		}
		return nil, ErrUnauthorized
	}

	result := &models.AggregateQueryResult{
		ICNumber:  icNumber,
		Hospitals: []models.HospitalRecordBundle{},
		Timeline:  []models.MedicalRecord{},
	}

	entry, err := o.index.Lookup(ctx, icNumber)
	switch {
	case index.IsNotFound(err):
		result.QueryDurationMs = o.since(start)
		if err := o.record(ctx, o.entry(caller, models.ActionQuery, icNumber, "", "no hospitals indexed", true)); err != nil {
			metrics.QueryAborted()
			return nil, err
		}
		metrics.QueryServed()
		return result, nil
	case err != nil:
		metrics.QueryAborted()
		log.WithError(err).Error("index lookup failed")
		if auditErr := o.record(ctx, o.entry(caller, models.ActionQuery, icNumber, "", "index unavailable", false)); auditErr != nil {
			return nil, auditErr
		}
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	targets, err := o.applyConsent(ctx, icNumber, caller, entry.HospitalIDs)
	if err != nil {
		metrics.QueryAborted()
		return nil, err
	}

	bundles := o.fetchAll(ctx, icNumber, caller, targets, opts.CheckInteractions)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, o.abandon(ctx, caller, icNumber, ctxErr)
	}

	o.assemble(result, bundles)
	if opts.CheckInteractions {
		result.Interactions = o.crossCheck(bundles)
	}
	result.QueryDurationMs = o.since(start)

	details := fmt.Sprintf("hospitals queried=%d reachable=%d records=%d", result.TotalHospitalsQueried, result.TotalHospitalsReachable, result.TotalRecords)
	if err := o.record(ctx, o.entry(caller, models.ActionQuery, icNumber, "", details, true)); err != nil {
		metrics.QueryAborted()
		return nil, err
	}
	if caller.Role == models.RoleDoctor || caller.Role == models.RolePatient {
		for _, b := range result.Hospitals {
			if !b.Reachable() {
				continue
			}
			viewDetails := fmt.Sprintf("viewed %d record(s)", len(b.Records))
			if err := o.record(ctx, o.entry(caller, models.ActionView, icNumber, b.HospitalID, viewDetails, true)); err != nil {
				metrics.QueryAborted()
				return nil, err
			}
		}
	}

	metrics.QueryServed()
	log.WithFields(map[string]interface{}{
		"hospitals_queried":   result.TotalHospitalsQueried,
		"hospitals_reachable": result.TotalHospitalsReachable,
		"duration_ms":         result.QueryDurationMs,
	}).Info("federated query served")
	return result, nil
}

// applyConsent drops hospitals the patient has blocked. Central admins see
// everything. A consent lookup error hides the hospital.
func (o *Orchestrator) applyConsent(ctx context.Context, icNumber string, caller models.Caller, hospitalIDs []string) ([]string, error) {
	if caller.Role == models.RoleCentralAdmin {
		return append([]string(nil), hospitalIDs...), nil
	}
	targets := make([]string, 0, len(hospitalIDs))
	for _, id := range hospitalIDs {
		blocked, err := o.consent.IsBlocked(ctx, icNumber, id)
		if err != nil {
			logger.ForIC(icNumber).WithError(err).WithField("hospital_id", id).Warn("consent lookup failed, hiding hospital")
			blocked = true
		}
		if !blocked {
			targets = append(targets, id)
			continue
		}
		metrics.ConsentDenied()
		if err := o.record(ctx, o.entry(caller, models.ActionView, icNumber, id, "consent denied", false)); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

type fetchResult struct {
	patient       *models.Patient
	records       []models.MedicalRecord
	prescriptions []models.Prescription
	err           error
}

// fetchAll queries every hospital at once. Each gets its own deadline, and a
// slow or failing hospital only affects its own bundle. Bundles come back in
// the order of hospitalIDs.
func (o *Orchestrator) fetchAll(ctx context.Context, icNumber string, caller models.Caller, hospitalIDs []string, withPrescriptions bool) []models.HospitalRecordBundle {
	bundles := make([]models.HospitalRecordBundle, len(hospitalIDs))
	var wg sync.WaitGroup
	for i, id := range hospitalIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			bundles[i] = o.fetchOne(ctx, icNumber, caller, id, withPrescriptions)
		}(i, id)
	}
	wg.Wait()
	return bundles
}

func (o *Orchestrator) fetchOne(ctx context.Context, icNumber string, caller models.Caller, hospitalID string, withPrescriptions bool) models.HospitalRecordBundle {
	bundle := models.HospitalRecordBundle{
		HospitalID:     hospitalID,
		HospitalName:   hospitalID,
		SourceHospital: hospitalID,
		Records:        []models.MedicalRecord{},
		IsReadOnly:     hospitalID != caller.HomeHospitalID,
	}
	member, ok := o.hospitals.Lookup(hospitalID)
	if !ok {
		metrics.HospitalFetchFailed()
		bundle.FetchError = fetchErrNotRegistered
		return bundle
	}
	bundle.HospitalName = member.Name
	bundle.SourceHospital = member.Name

	metrics.HospitalFetched()
	start := o.now()
	fctx, cancel := context.WithTimeout(ctx, o.cfg.HospitalTimeout)
	defer cancel()

	// Stores that ignore their context must not hold the query past the
	// deadline; the buffered channel lets a late answer be dropped.
	done := make(chan fetchResult, 1)
	go func() {
		done <- fetchFrom(fctx, member.Store, icNumber, withPrescriptions)
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-fctx.Done():
		res = fetchResult{err: fctx.Err()}
	}
	bundle.LatencyMs = o.since(start)

	if res.err != nil {
		metrics.HospitalFetchFailed()
		bundle.FetchError = describeFetchError(res.err, o.cfg.HospitalTimeout)
		logger.ForIC(icNumber).WithError(res.err).WithField("hospital_id", hospitalID).Warn("hospital fetch failed")
		return bundle
	}

	bundle.Patient = res.patient
	for i := range res.records {
		res.records[i].HospitalID = hospitalID
	}
	bundle.Records = res.records
	bundle.ActivePrescriptions = res.prescriptions
	return bundle
}

func fetchFrom(ctx context.Context, store hospital.Store, icNumber string, withPrescriptions bool) fetchResult {
	var res fetchResult
	patient, err := store.GetPatient(ctx, icNumber)
	if err != nil && !errors.Is(err, hospital.ErrPatientNotFound) {
		return fetchResult{err: err}
	}
	res.patient = patient

	records, err := store.GetRecordsByPatient(ctx, icNumber)
	if err != nil {
		return fetchResult{err: err}
	}
	if records == nil {
		records = []models.MedicalRecord{}
	}
	res.records = records

	if withPrescriptions {
		prescriptions, err := store.GetActivePrescriptions(ctx, icNumber)
		if err != nil {
			return fetchResult{err: err}
		}
		res.prescriptions = prescriptions
	}
	return res
}

func describeFetchError(err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timeout after %s", timeout)
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}

// assemble fills totals, the patient summary and the merged timeline.
// Timeline order: visit date newest first; ties keep hospital order, then
// each hospital's own record order.
func (o *Orchestrator) assemble(result *models.AggregateQueryResult, bundles []models.HospitalRecordBundle) {
	result.Hospitals = bundles
	result.TotalHospitalsQueried = len(bundles)

	timeline := make([]models.MedicalRecord, 0)
	for _, b := range bundles {
		if !b.Reachable() {
			continue
		}
		result.TotalHospitalsReachable++
		if result.PatientSummary == nil && b.Patient != nil {
			summary := *b.Patient
			result.PatientSummary = &summary
		}
		timeline = append(timeline, b.Records...)
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].VisitDate.After(timeline[j].VisitDate)
	})
	result.Timeline = timeline
	result.TotalRecords = len(timeline)
}

func (o *Orchestrator) crossCheck(bundles []models.HospitalRecordBundle) []models.DrugInteraction {
	var all []medication.SourcedPrescription
	for _, b := range bundles {
		for _, rx := range b.ActivePrescriptions {
			all = append(all, medication.SourcedPrescription{Prescription: rx, HospitalID: b.HospitalID})
		}
	}
	found := o.checker.Check(all)
	if len(found) > 0 {
		metrics.InteractionsFound(len(found))
	}
	return found
}

// abandon records a query the caller gave up on. The audit write uses a
// context that outlives the caller's.
func (o *Orchestrator) abandon(ctx context.Context, caller models.Caller, icNumber string, cause error) error {
	metrics.QueryAborted()
	entry := o.entry(caller, models.ActionQuery, icNumber, "", "query cancelled: "+cause.Error(), false)
	if _, err := o.auditor.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.ForIC(icNumber).WithError(err).Error("failed to audit cancelled query")
	}
	return cause
}

func (o *Orchestrator) record(ctx context.Context, entry models.AuditLogEntry) error {
	if _, err := o.auditor.Append(ctx, entry); err != nil {
		logger.ForIC(entry.TargetICNumber).WithError(err).WithField("action", entry.Action).Error("required audit write failed")
		if errors.Is(err, ErrAuditWrite) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return nil
}

func (o *Orchestrator) entry(caller models.Caller, action, icNumber, hospitalID, details string, success bool) models.AuditLogEntry {
	return models.AuditLogEntry{
		Action:           action,
		ActorID:          caller.ActorID,
		ActorType:        caller.ActorType(),
		ActorHospitalID:  caller.HomeHospitalID,
		TargetICNumber:   icNumber,
		TargetHospitalID: hospitalID,
		Details:          details,
		IPAddress:        caller.IPAddress,
		Success:          success,
	}
}

func (o *Orchestrator) since(start time.Time) int64 {
	return o.now().Sub(start).Milliseconds()
}
