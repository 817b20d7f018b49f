package server

import "github.com/loopworks/mendloop/internal/correction"

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TurnReq struct {
	Request      string `json:"request"`
	Action       string `json:"action"`
	HighPriority bool   `json:"high_priority"`
	MonetaryRisk bool   `json:"monetary_risk"`
}

type TurnResp struct {
	OutcomeID      string            `json:"outcome_id"`
	Response       string            `json:"response"`
	GaveUp         bool              `json:"gave_up"`
	Mode           string            `json:"mode"`
	Reason         string            `json:"reason"`
	PatchesApplied int               `json:"patches_applied"`
	Patch          *correction.Patch `json:"patch,omitempty"`
}

type ManualPatchReq struct {
	Body  string `json:"body"`
	Tag   string `json:"tag"`
	Decay string `json:"decay"`
}

type PurgeReq struct {
	OldModelVersion string `json:"old_model_version"`
	NewModelVersion string `json:"new_model_version"`
}

type PatchListResp struct {
	Kernel  []correction.Patch `json:"kernel"`
	Cache   []correction.Patch `json:"cache"`
	Archive []correction.Patch `json:"archive"`
	Counts  map[string]int     `json:"counts"`
}

type AuditStatsResp struct {
	QueueLength    int   `json:"queue_length"`
	QueueCapacity  int   `json:"queue_capacity"`
	Dropped        int64 `json:"dropped"`
	Audited        int64 `json:"audited"`
	PatchesWritten int64 `json:"patches_written"`
	DurableDrops   int64 `json:"durable_drops"`
}
