package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	federatedQueries      atomic.Int64
	federatedQueriesAbort atomic.Int64
	hospitalFetches       atomic.Int64
	hospitalFetchFailures atomic.Int64
	consentDenials        atomic.Int64
	emergencyAccesses     atomic.Int64
	auditAppends          atomic.Int64
	auditFailures         atomic.Int64
	indexUpdates          atomic.Int64
	indexUpdateFailures   atomic.Int64
	interactionFindings   atomic.Int64
)

func QueryServed() { federatedQueries.Add(1) }
func QueryAborted() { federatedQueriesAbort.Add(1) }
func HospitalFetched() { hospitalFetches.Add(1) }
func HospitalFetchFailed() { hospitalFetchFailures.Add(1) }
func ConsentDenied() { consentDenials.Add(1) }
func EmergencyAccess() { emergencyAccesses.Add(1) }
func AuditAppended() { auditAppends.Add(1) }
func AuditFailed() { auditFailures.Add(1) }
func IndexUpdated() { indexUpdates.Add(1) }
func IndexUpdateFailed() { indexUpdateFailures.Add(1) }
func InteractionsFound(n int) { interactionFindings.Add(int64(n)) }
func IndexUpdateFailures() int64 { return indexUpdateFailures.Load() }

type counter struct {
	name string
	help string
	v    *atomic.Int64
}

var counters = []counter{
	{"medrec_federated_queries_total", "Federated queries that returned a result.", &federatedQueries},
	{"medrec_federated_queries_aborted_total", "Federated queries aborted by authorization, audit or cancellation.", &federatedQueriesAbort},
	{"medrec_hospital_fetches_total", "Per-hospital fetches dispatched.", &hospitalFetches},
	{"medrec_hospital_fetch_failures_total", "Per-hospital fetches that errored or timed out.", &hospitalFetchFailures},
	{"medrec_consent_denials_total", "Hospitals excluded from a query by a patient block.", &consentDenials},
	{"medrec_emergency_access_total", "Emergency access attempts.", &emergencyAccesses},
	{"medrec_audit_appends_total", "Audit entries written.", &auditAppends},
	{"medrec_audit_failures_total", "Audit writes that failed.", &auditFailures},
	{"medrec_index_updates_total", "Central index entries changed.", &indexUpdates},
	{"medrec_index_update_failures_total", "Central index updates that failed after a hospital write.", &indexUpdateFailures},
	{"medrec_interaction_findings_total", "Cross-hospital drug interaction findings reported.", &interactionFindings},
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, c := range counters {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s %d\n", c.name, c.v.Load())
	}
}
