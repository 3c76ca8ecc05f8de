package domain

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
)

func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignRunning, CampaignCompleted, CampaignPaused, CampaignCancelled:
		return true
	}
	return false
}

// Editable reports whether content, schedule and deletion are still allowed.
func (s CampaignStatus) Editable() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetSent      TargetStatus = "sent"
	TargetDelivered TargetStatus = "delivered"
	TargetRead      TargetStatus = "read"
	TargetClicked   TargetStatus = "clicked"
	TargetReported  TargetStatus = "reported"
	TargetFailed    TargetStatus = "failed"
)

// Failure reasons recorded on targets. Provider text goes to FailureDetail.
const (
	ReasonInvalidDestination = "invalid destination"
	ReasonSendFailed         = "send failed"
	ReasonUndelivered        = "undelivered"
)

type Campaign struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organizationId"`
	CreatedBy       string         `json:"createdBy"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	MessageTemplate string         `json:"messageTemplate"`
	LandingPageURL  string         `json:"landingPageUrl,omitempty"`
	TrackingEnabled bool           `json:"trackingEnabled"`
	Status          CampaignStatus `json:"status"`
	ScheduleDate    *time.Time     `json:"scheduleDate,omitempty"`
	StartDate       *time.Time     `json:"startDate,omitempty"`
	EndDate         *time.Time     `json:"endDate,omitempty"`
	Targets         []Target       `json:"targets"`
	Stats           Stats          `json:"stats"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`

	// RunOwner holds the dispatch run lease until RunLeaseUntil.
	RunOwner      string     `json:"-"`
	RunLeaseUntil *time.Time `json:"-"`
}

type Target struct {
	ID                string       `json:"id"`
	UserID            string       `json:"userId,omitempty"`
	Name              string       `json:"name,omitempty"`
	PhoneNumber       string       `json:"phoneNumber"`
	Destination       string       `json:"destination"`
	Status            TargetStatus `json:"status"`
	ProviderMessageID string       `json:"providerMessageId,omitempty"`
	SentAt            *time.Time   `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time   `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time   `json:"readAt,omitempty"`
	ClickedAt         *time.Time   `json:"clickedAt,omitempty"`
	ReportedAt        *time.Time   `json:"reportedAt,omitempty"`
	FailureReason     string       `json:"failureReason,omitempty"`
	FailureDetail     string       `json:"failureDetail,omitempty"`
}

type Stats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Clicked   int `json:"clicked"`
	Reported  int `json:"reported"`
	Failed    int `json:"failed"`
}

type Analytics struct {
	Stats
	TotalTargets int     `json:"totalTargets"`
	DeliveryRate float64 `json:"deliveryRate"`
	ReadRate     float64 `json:"readRate"`
	ClickRate    float64 `json:"clickRate"`
	ReportRate   float64 `json:"reportRate"`
}

type TargetInput struct {
	UserID      string `json:"userId" validate:"max=64"`
	Name        string `json:"name" validate:"max=200"`
	PhoneNumber string `json:"phoneNumber" validate:"required,max=32"`
}

type CreateCampaignRequest struct {
	OrganizationID  string        `json:"organizationId" validate:"required,max=64"`
	CreatedBy       string        `json:"createdBy" validate:"required,max=64"`
	Name            string        `json:"name" validate:"required,max=200"`
	Description     string        `json:"description" validate:"max=2000"`
	MessageTemplate string        `json:"messageTemplate" validate:"required,max=1600"`
	LandingPageURL  string        `json:"landingPageUrl" validate:"omitempty,url"`
	TrackingEnabled *bool         `json:"trackingEnabled"`
	ScheduleDate    *time.Time    `json:"scheduleDate"`
	Targets         []TargetInput `json:"targets" validate:"required,min=1,dive"`
}

// UpdateCampaignRequest only touches the fields that are set.
type UpdateCampaignRequest struct {
	Name            *string    `json:"name" validate:"omitempty,min=1,max=200"`
	Description     *string    `json:"description" validate:"omitempty,max=2000"`
	MessageTemplate *string    `json:"messageTemplate" validate:"omitempty,min=1,max=1600"`
	LandingPageURL  *string    `json:"landingPageUrl" validate:"omitempty,url"`
	ScheduleDate    *time.Time `json:"scheduleDate"`
}

// DeliveryCallback is a provider status callback, already decoded from the wire.
type DeliveryCallback struct {
	MessageSid    string
	MessageStatus string
	To            string
	From          string
	ErrorCode     string
	ErrorMessage  string
}

type ListFilter struct {
	OrganizationID string
	Status         CampaignStatus
	Page           int
	Limit          int
}

type Page struct {
	Current int `json:"current"`
	Pages   int `json:"pages"`
	Total   int `json:"total"`
}

// SendResult is a MessageSender outcome for one target. Success=false is a
// per-target failure; loop-level failures come back as an error instead.
type SendResult struct {
	Success    bool
	ProviderID string
	Error      string
}
