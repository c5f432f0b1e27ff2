package domain

import "time"

// Project is owned by exactly one user and exclusively owns the Jobs
// created under it. A user's tier limits (concurrent jobs, daily job
// rate, project count) are enforced against the user across every
// project they own, never per project.
type Project struct {
	ID     int64
	UserID int64
	Name   string

	CreatedAt time.Time
	UpdatedAt time.Time
}
