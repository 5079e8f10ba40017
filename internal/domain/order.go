package domain

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further automatic transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type ServiceType string

const (
	ServiceFollowers  ServiceType = "followers"
	ServiceLikes      ServiceType = "likes"
	ServiceComments   ServiceType = "comments"
	ServiceViews      ServiceType = "views"
	ServiceStoryViews ServiceType = "story_views"
)

func (t ServiceType) Valid() bool {
	switch t {
	case ServiceFollowers, ServiceLikes, ServiceComments, ServiceViews, ServiceStoryViews:
		return true
	}
	return false
}

// InternallyDeliverable reports whether the agent capability can perform
// this service at all. Views have no agent action and always go external.
func (t ServiceType) InternallyDeliverable() bool {
	switch t {
	case ServiceFollowers, ServiceLikes, ServiceComments:
		return true
	}
	return false
}

// Path is fixed at order creation; the scheduler only touches internal
// orders and the reconciler only touches external ones.
type Path string

const (
	PathInternal Path = "internal"
	PathExternal Path = "external"
)

type Order struct {
	ID              string
	ServiceType     ServiceType
	Requested       int
	Delivered       int
	UnitPrice       float64
	TargetRef       string
	Status          Status
	Priority        int
	Attempts        int
	Path            Path
	ProviderID      *string
	ExternalOrderID *string
	RetryOf         *string
	LastError       *string
	ScheduledFor    *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Remaining is the undelivered portion, never negative.
func (o *Order) Remaining() int {
	if r := o.Requested - o.Delivered; r > 0 {
		return r
	}
	return 0
}
