package dto

type DashboardSummaryResponse struct {
	ActiveTrialKeys   int64 `json:"activeTrialKeys"`
	ActivePaidKeys    int64 `json:"activePaidKeys"`
	RevokedKeys       int64 `json:"revokedKeys"`
	TotalUsedRequests int64 `json:"totalUsedRequests"`
	TrialExceededKeys int64 `json:"trialExceededKeys"`
}
