package model

type Template struct {
	ID       int64  `json:"id"`
	TenantID int64  `json:"tenantId"`
	Title    string `json:"title"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}
