package event

import (
	"encoding/json"
	"time"
)

// Label enumerates the fixed set of detail-types this system produces or
// consumes. Anything else on the bus is foreign and rejected by the codec.
type Label string

const (
	LabelCreatedAccount  Label = "CreatedAccount"
	LabelAssignedAccount Label = "AssignedAccount"
	LabelReleasedAccount Label = "ReleasedAccount"
	LabelExpiredAccount  Label = "ExpiredAccount"
	LabelPreparedAccount Label = "PreparedAccount"
	LabelPurgedAccount   Label = "PurgedAccount"

	// LabelTagChange is the directory's own notification that a resource tag
	// was written; its detail carries resourceId plus the tag list instead of
	// the Account/Environment pair.
	LabelTagChange Label = "TagChange"

	// LabelJobCompleted reports asynchronous completion of a preparation or
	// purge job started through the job runner.
	LabelJobCompleted Label = "JobCompleted"

	// Report and exception sub-types emitted by the transaction watchdog.
	LabelSuccessfulOnBoarding  Label = "SuccessfulOnBoardingEvent"
	LabelFailedOnBoarding      Label = "FailedOnBoardingException"
	LabelSuccessfulMaintenance Label = "SuccessfulMaintenanceEvent"
	LabelFailedMaintenance     Label = "FailedMaintenanceException"
)

var knownLabels = map[Label]struct{}{
	LabelCreatedAccount:        {},
	LabelAssignedAccount:       {},
	LabelReleasedAccount:       {},
	LabelExpiredAccount:        {},
	LabelPreparedAccount:       {},
	LabelPurgedAccount:         {},
	LabelTagChange:             {},
	LabelJobCompleted:          {},
	LabelSuccessfulOnBoarding:  {},
	LabelFailedOnBoarding:      {},
	LabelSuccessfulMaintenance: {},
	LabelFailedMaintenance:     {},
}

// Known reports whether l is part of the fixed label set.
func (l Label) Known() bool {
	_, ok := knownLabels[l]
	return ok
}

// Source identifies envelopes emitted by this system.
const Source = "accountpool"

// Tag is the wire form of one directory tag in a tag-change detail.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Detail is the envelope payload. Lifecycle events populate Account and
// Environment; tag-change envelopes populate ResourceID and Tags instead.
type Detail struct {
	Account     string            `json:"Account,omitempty"`
	Environment string            `json:"Environment,omitempty"`
	Message     string            `json:"Message,omitempty"`
	Job         string            `json:"Job,omitempty"`
	Status      string            `json:"Status,omitempty"`
	Duration    float64           `json:"Duration,omitempty"`
	Attributes  map[string]string `json:"Attributes,omitempty"`
	ResourceID  string            `json:"resourceId,omitempty"`
	Tags        []Tag             `json:"tags,omitempty"`
}

// Envelope is the bus wire format for inbound and outbound events.
type Envelope struct {
	Source     string `json:"source"`
	DetailType Label  `json:"detailType"`
	Detail     Detail `json:"detail"`
}

// Encode marshals the envelope for the bus.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// New builds an outbound lifecycle envelope for the given account.
func New(label Label, account, environment string) Envelope {
	return Envelope{
		Source:     Source,
		DetailType: label,
		Detail: Detail{
			Account:     account,
			Environment: environment,
		},
	}
}

// Decoded is the typed, validated view of one envelope that the state
// machine and watchdog consume.
type Decoded struct {
	Label       Label
	Account     string
	Environment string
	Message     string
	Job         string
	Status      string
	Attributes  map[string]string
	Tags        map[string]string
}

// TagChange reports whether the event is a directory tag-change notification.
func (d Decoded) TagChange() bool {
	return d.Label == LabelTagChange
}

// Job completion statuses reported by the job runner.
const (
	JobSucceeded = "SUCCEEDED"
	JobFailed    = "FAILED"
)

// Clock abstracts time for deterministic tests; production code passes nil
// and gets time.Now.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
