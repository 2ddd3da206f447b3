package model

import "time"

type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

var planLimits = map[Plan]int64{
	PlanFree:     50,
	PlanPro:      500,
	PlanBusiness: 5000,
}

// PlanLimit is the monthly send allowance; unknown plans get the free tier.
func PlanLimit(p Plan) int64 {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

type Tenant struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	APIKey          string    `json:"-"`
	Plan            Plan      `json:"plan"`
	EmailsThisMonth int64     `json:"emailsThisMonth"`
	QuotaResetAt    time.Time `json:"quotaResetAt"`
}

func (t Tenant) Limit() int64 {
	return PlanLimit(t.Plan)
}

// NeedsReset is true once now falls in a later calendar month than the
// last reset.
func (t Tenant) NeedsReset(now time.Time) bool {
	ry, rm, _ := t.QuotaResetAt.UTC().Date()
	ny, nm, _ := now.UTC().Date()
	return ny > ry || (ny == ry && nm > rm)
}

// Remaining is how many more sends fit in the current month.
func (t Tenant) Remaining() int64 {
	r := t.Limit() - t.EmailsThisMonth
	if r < 0 {
		return 0
	}
	return r
}
