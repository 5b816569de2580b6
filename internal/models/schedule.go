package models

import "time"

const (
	// TrackingScheduleName is the single named periodic job of the service.
	TrackingScheduleName = "tracking_status_updater"

	// DefaultScheduleIntervalMinutes — 12 часов между циклами по умолчанию.
	DefaultScheduleIntervalMinutes = 720

	// RepeatsForever in the repeats column means the schedule never expires.
	RepeatsForever = -1
)

type Schedule struct {
	ID              uint64
	Name            string
	IntervalMinutes int
	NextRun         time.Time
	Repeats         int
	TaskCount       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type IntegrationSettings struct {
	ID             uint64
	TrackingAPIKey string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type UserActivity struct {
	ID        uint64
	UserName  string
	Action    string
	CreatedAt time.Time
}


