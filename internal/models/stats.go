package models

// ServiceCount is the number of error records attributed to one service.
type ServiceCount struct {
	Service string `json:"service"`
	Count   int    `json:"count"`
}

// Statistics summarises the classified records of a run.
type Statistics struct {
	ByCategory       map[Category]int `json:"byCategory"`
	BySeverity       map[Severity]int `json:"bySeverity"`
	TopServices      []ServiceCount   `json:"topServices"`
	UniqueServices   int              `json:"uniqueServices"`
	UniqueErrorTypes int              `json:"uniqueErrorTypes"`
	TotalGroups      int              `json:"totalGroups"`
}
