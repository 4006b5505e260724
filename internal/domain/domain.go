package domain

// Status is the closed set of workflow states. NEEDS_INFO, BLOCKED and
// DELIVERED are terminal for a run; resumption is an external action.
type Status string

const (
	StatusIntake       Status = "INTAKE"
	StatusNeedsInfo    Status = "NEEDS_INFO"
	StatusPlanning     Status = "PLANNING"
	StatusPolicyCheck  Status = "POLICY_CHECK"
	StatusImplementing Status = "IMPLEMENTING"
	StatusNeedHelp     Status = "NEED_HELP"
	StatusSecurityScan Status = "SECURITY_SCAN"
	StatusVerifying    Status = "VERIFYING"
	StatusDelivering   Status = "DELIVERING"
	StatusDelivered    Status = "DELIVERED"
	StatusBlocked      Status = "BLOCKED"
)

// Terminal reports whether s ends the run.
func (s Status) Terminal() bool {
	return s == StatusNeedsInfo || s == StatusBlocked || s == StatusDelivered
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TicketSpec is the structured specification produced at intake. Immutable
// once accepted except for appended clarifications.
type TicketSpec struct {
	Title              string    `json:"title"`
	ProblemStatement   string    `json:"problem_statement"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	Constraints        []string  `json:"constraints,omitempty"`
	OutOfScope         []string  `json:"out_of_scope,omitempty"`
	DomainTags         []string  `json:"domain_tags,omitempty"`
	RiskLevel          RiskLevel `json:"risk_level"`
	Clarifications     []string  `json:"clarifications,omitempty"`
}

// CommandRun records one verification command execution.
type CommandRun struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
}

// Evidence is the append-only record of verification runs.
type Evidence struct {
	TestRuns []CommandRun `json:"test_runs,omitempty"`
	LintRuns []CommandRun `json:"lint_runs,omitempty"`
	Notes    []string     `json:"notes,omitempty"`
}

type HelpDomain string

const (
	HelpFrontend HelpDomain = "frontend"
	HelpBackend  HelpDomain = "backend"
	HelpSecurity HelpDomain = "security"
	HelpDevops   HelpDomain = "devops"
	HelpGeneral  HelpDomain = "general"
)

type HelpRequest struct {
	RequestID string     `json:"request_id"`
	Domain    HelpDomain `json:"domain"`
	Question  string     `json:"question"`
	Context   string     `json:"context,omitempty"`
	Attempt   int        `json:"attempt"`
}

type HelpResponse struct {
	RequestID     string     `json:"request_id"`
	Domain        HelpDomain `json:"domain"`
	Advice        []string   `json:"advice,omitempty"`
	Checks        []string   `json:"checks,omitempty"`
	Risks         []string   `json:"risks,omitempty"`
	NeedsMoreInfo []string   `json:"needs_more_info,omitempty"`
	Confidence    string     `json:"confidence,omitempty"`
}

// Decision log event kinds appended on status changes.
const (
	EventTicketCreated     = "TICKET_CREATED"
	EventHelpRequested     = "HELP_REQUESTED"
	EventHelpReceived      = "HELP_RECEIVED"
	EventPatchProposed     = "PATCH_PROPOSED"
	EventPatchApplied      = "PATCH_APPLIED"
	EventTestsPassed       = "TESTS_PASSED"
	EventTestsFailed       = "TESTS_FAILED"
	EventSecurityScanDone  = "SECURITY_SCAN_COMPLETED"
	EventPolicyEvaluated   = "POLICY_EVALUATED"
	EventMemoryConsulted   = "MEMORY_CONSULTED"
	EventBlocked           = "BLOCKED"
	EventNeedsInfo         = "NEEDS_INFO"
	EventReviewFindings    = "REVIEW_FINDINGS"
	EventDeliveryStarted   = "DELIVERY_STARTED"
	EventDeliveryCompleted = "DELIVERY_COMPLETED"
	EventInfoProvided      = "INFO_PROVIDED"
	EventResumed           = "RESUMED"
)

// DecisionLogEntry mirrors one audit event in the work item; ordering is the
// implicit timestamp.
type DecisionLogEntry struct {
	Event   string         `json:"event"`
	Actor   string         `json:"actor"`
	Details map[string]any `json:"details,omitempty"`
}

type DeliveryMode string

const (
	DeliverLocalPatch DeliveryMode = "local_patch"
	DeliverGitHubPR   DeliveryMode = "github_pr"
	DeliverDirectPush DeliveryMode = "direct_push"
)

type DeliveryConfig struct {
	Mode         DeliveryMode `json:"mode"`
	TargetBranch string       `json:"target_branch,omitempty"`
	Credentials  string       `json:"credentials,omitempty"`
}

type DeliveryResult struct {
	DeliveryID      string       `json:"delivery_id"`
	Mode            DeliveryMode `json:"mode"`
	Status          string       `json:"status" enum:"pending,delivered,failed"`
	PatchBundlePath string       `json:"patch_bundle_path,omitempty"`
	ProofBundlePath string       `json:"proof_bundle_path"`
	PRURL           string       `json:"pr_url,omitempty"`
	DeliveredAt     string       `json:"delivered_at" format:"date-time"`
	ErrorMessage    string       `json:"error_message,omitempty"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type SecurityFinding struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	FilePath    string   `json:"file_path"`
	LineNumber  *int     `json:"line_number,omitempty"`
	Description string   `json:"description"`
}

type SecurityScanResult struct {
	ScanType string            `json:"scan_type"`
	Findings []SecurityFinding `json:"findings,omitempty"`
	Passed   bool              `json:"passed"`
}

type PolicyViolation struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	RuleKind string `json:"rule_kind" enum:"gate,warning,audit"`
	Action   string `json:"action" enum:"block,warn,log"`
	Details  string `json:"details"`
}

type PolicyEvaluation struct {
	PolicyVersion string            `json:"policy_version"`
	EvaluatedAt   string            `json:"evaluated_at" format:"date-time"`
	Violations    []PolicyViolation `json:"violations,omitempty"`
	Passed        bool              `json:"passed"`
}

type PatternMatch struct {
	WorkItemID      string   `json:"work_item_id"`
	SimilarityScore float64  `json:"similarity_score"`
	TicketTitle     string   `json:"ticket_title"`
	FinalStatus     Status   `json:"final_status"`
	KeyLessons      []string `json:"key_lessons,omitempty"`
}

type RegressionRisk struct {
	Risk           string `json:"risk"`
	Recommendation string `json:"recommendation"`
}

type MemoryAdvice struct {
	SimilarSuccesses []PatternMatch   `json:"similar_successes,omitempty"`
	SimilarFailures  []PatternMatch   `json:"similar_failures,omitempty"`
	RegressionRisks  []RegressionRisk `json:"regression_risks,omitempty"`
	Recommendations  []string         `json:"recommendations,omitempty"`
}

// RunSummary is the durable projection of a finished or blocked run. Created
// once at delivery or terminal block, never mutated afterward.
type RunSummary struct {
	WorkItemID        string   `json:"work_item_id"`
	RepoName          string   `json:"repo_name"`
	TaskRaw           string   `json:"task_raw"`
	TicketTitle       string   `json:"ticket_title"`
	DomainTags        []string `json:"domain_tags,omitempty"`
	RiskLevel         string   `json:"risk_level"`
	FinalStatus       Status   `json:"final_status"`
	ImplementAttempts int      `json:"implement_attempts"`
	TestExitCode      *int     `json:"test_exit_code,omitempty"`
	FailureMode       string   `json:"failure_mode,omitempty"`
	CompletedAt       string   `json:"completed_at" format:"date-time"`
	RunDir            string   `json:"run_dir"`
}

// MemoryStats aggregates run history.
type MemoryStats struct {
	TotalRuns      int            `json:"total_runs"`
	SuccessfulRuns int            `json:"successful_runs"`
	SuccessRate    float64        `json:"success_rate"`
	AvgAttempts    float64        `json:"avg_attempts"`
	FailureModes   map[string]int `json:"failure_modes,omitempty"`
}

// WorkItem is the unit of work threaded through the workflow. Step functions
// take it by value and return an updated copy; nothing mutates shared state.
type WorkItem struct {
	WorkItemID string `json:"work_item_id"`
	RepoPath   string `json:"repo_path"`
	TaskRaw    string `json:"task_raw"`

	Status Status `json:"status"`

	Ticket *TicketSpec `json:"ticket,omitempty"`
	Plan   []string    `json:"plan,omitempty"`

	PatchUnifiedDiff string `json:"patch_unified_diff,omitempty"`
	PatchApplied     bool   `json:"patch_applied"`

	Evidence       Evidence `json:"evidence"`
	ReviewFindings []string `json:"review_findings,omitempty"`

	ImplementAttempts    int `json:"implement_attempts"`
	MaxImplementAttempts int `json:"max_implement_attempts"`

	HelpRequests  []HelpRequest      `json:"help_requests,omitempty"`
	HelpResponses []HelpResponse     `json:"help_responses,omitempty"`
	DecisionLog   []DecisionLogEntry `json:"decision_log,omitempty"`
	HelpCycles    int                `json:"help_cycles"`
	MaxHelpCycles int                `json:"max_help_cycles"`

	BlockedReason string   `json:"blocked_reason,omitempty"`
	BlockedNeeds  []string `json:"blocked_needs,omitempty"`

	DeliveryConfig *DeliveryConfig `json:"delivery_config,omitempty"`
	DeliveryResult *DeliveryResult `json:"delivery_result,omitempty"`

	MemoryAdvice     *MemoryAdvice        `json:"memory_advice,omitempty"`
	PolicyEvaluation *PolicyEvaluation    `json:"policy_evaluation,omitempty"`
	SecurityScans    []SecurityScanResult `json:"security_scans,omitempty"`
}

// NeedsHelp reports whether an unanswered help request exists. The invariant
// len(HelpResponses) <= len(HelpRequests) holds because responses are only
// appended against the oldest unanswered request.
func (w WorkItem) NeedsHelp() bool {
	return len(w.HelpResponses) < len(w.HelpRequests)
}

// OldestUnanswered returns the first help request without a response.
func (w WorkItem) OldestUnanswered() (HelpRequest, bool) {
	if !w.NeedsHelp() {
		return HelpRequest{}, false
	}
	return w.HelpRequests[len(w.HelpResponses)], true
}

// LastTestExitCode returns the exit code of the most recent test run.
func (w WorkItem) LastTestExitCode() (int, bool) {
	if len(w.Evidence.TestRuns) == 0 {
		return 0, false
	}
	return w.Evidence.TestRuns[len(w.Evidence.TestRuns)-1].ExitCode, true
}
