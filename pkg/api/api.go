// Package api contains the JSON job payloads that travel on the pipeline tubes.
// This package is shared between the workers, pipectl and external producers.
//
// Every payload carries an "action" that selects exactly one schema. Decoding
// rejects unknown actions, unknown fields and missing required fields.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action selects the schema of a job payload.
type Action string

const (
	ActionStartBuild    Action = "start_build"
	ActionStartScan     Action = "start_scan"
	ActionStartDelivery Action = "start_delivery"
	ActionNotifyUser    Action = "notify_user"
	ActionTracking      Action = "tracking"
)

// Message is a decoded job payload.
type Message interface {
	// Kind returns the action the payload was decoded as.
	Kind() Action
	// Header exposes the fields every payload shares.
	Header() *Envelope
	// Ref exposes the build the payload is about.
	Ref() *BuildRef
	Validate() error
}

// Envelope holds fields common to every action.
type Envelope struct {
	Action Action `json:"action"`
	// JobUUID identifies a payload independently of the transport's job id.
	JobUUID string `json:"job_uuid,omitempty"`
	// Trace carries W3C trace context between workers.
	Trace map[string]string `json:"trace,omitempty"`
}

// Header implements Message.
func (e *Envelope) Header() *Envelope { return e }

// BuildRef identifies the project build a job belongs to.
type BuildRef struct {
	Namespace      string `json:"namespace"`
	ProjectName    string `json:"project_name,omitempty"`
	ProjectHashKey string `json:"project_hash_key,omitempty"`
	AppID          string `json:"appid,omitempty"`
	JobID          string `json:"jobid,omitempty"`
	DesiredTag     string `json:"desired_tag,omitempty"`
	TestTag        string `json:"test_tag,omitempty"`
	LogsDir        string `json:"logs_dir,omitempty"`
	NotifyEmail    string `json:"notify_email,omitempty"`
}

// Ref implements Message.
func (r *BuildRef) Ref() *BuildRef { return r }

// ImageName is the published image name, {appid}/{jobid}:{desired_tag}.
func (r *BuildRef) ImageName() string {
	return fmt.Sprintf("%s/%s:%s", r.AppID, r.JobID, r.DesiredTag)
}

// PhaseJob starts one pipeline phase (start_build, start_scan, start_delivery).
type PhaseJob struct {
	Envelope
	BuildRef
}

// Kind implements Message.
func (j *PhaseJob) Kind() Action { return j.Action }

// Validate implements Message.
func (j *PhaseJob) Validate() error {
	switch j.Action {
	case ActionStartBuild, ActionStartScan, ActionStartDelivery:
	default:
		return &DecodeError{Action: j.Action, Field: "action", Reason: "not a phase action"}
	}
	return require(j.Action,
		"namespace", j.Namespace,
		"project_hash_key", j.ProjectHashKey,
		"appid", j.AppID,
		"jobid", j.JobID,
		"desired_tag", j.DesiredTag,
		"logs_dir", j.LogsDir,
	)
}

// NotifyUserJob asks the notifier to tell the maintainer how a build ended.
// BuildStatus is only set when the build failed.
type NotifyUserJob struct {
	Envelope
	BuildRef
	BuildStatus *bool  `json:"build_status,omitempty"`
	BuildPhase  string `json:"build_phase,omitempty"`
}

// Kind implements Message.
func (j *NotifyUserJob) Kind() Action { return ActionNotifyUser }

// Validate implements Message.
func (j *NotifyUserJob) Validate() error {
	if j.Action != ActionNotifyUser {
		return &DecodeError{Action: j.Action, Field: "action", Reason: "expected " + string(ActionNotifyUser)}
	}
	return require(j.Action, "namespace", j.Namespace)
}

// Failed reports whether the notification is about a failed build.
func (j *NotifyUserJob) Failed() bool {
	return j.BuildStatus != nil && !*j.BuildStatus
}

// TrackingJob registers a delivered image for package tracking.
type TrackingJob struct {
	Envelope
	BuildRef
	// DependsOn is the JobUUID of a job that must be routed before this one.
	DependsOn string `json:"depends_on,omitempty"`
}

// Kind implements Message.
func (j *TrackingJob) Kind() Action { return ActionTracking }

// Validate implements Message.
func (j *TrackingJob) Validate() error {
	if j.Action != ActionTracking {
		return &DecodeError{Action: j.Action, Field: "action", Reason: "expected " + string(ActionTracking)}
	}
	return require(j.Action,
		"namespace", j.Namespace,
		"appid", j.AppID,
		"jobid", j.JobID,
		"desired_tag", j.DesiredTag,
	)
}

// NewNotifyUser builds a notify_user job for ref. Pass a nil status for a
// successful build.
func NewNotifyUser(ref BuildRef, status *bool, phase string) *NotifyUserJob {
	return &NotifyUserJob{
		Envelope:    Envelope{Action: ActionNotifyUser},
		BuildRef:    ref,
		BuildStatus: status,
		BuildPhase:  phase,
	}
}

// NewTracking builds a tracking job for ref.
func NewTracking(ref BuildRef, dependsOn string) *TrackingJob {
	return &TrackingJob{
		Envelope:  Envelope{Action: ActionTracking},
		BuildRef:  ref,
		DependsOn: dependsOn,
	}
}

// NewPhaseJob builds a start_<phase> job for ref.
func NewPhaseJob(action Action, ref BuildRef) *PhaseJob {
	return &PhaseJob{Envelope: Envelope{Action: action}, BuildRef: ref}
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// DecodeError reports a payload that does not match its action's schema.
type DecodeError struct {
	Action Action
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode job"
	if e.Action != "" {
		msg += " " + string(e.Action)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode parses a job body into the schema selected by its action.
func Decode(body []byte) (Message, error) {
	var head struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Err: err}
	}

	var msg Message
	switch head.Action {
	case "":
		return nil, &DecodeError{Field: "action", Reason: "missing"}
	case ActionStartBuild, ActionStartScan, ActionStartDelivery:
		msg = &PhaseJob{}
	case ActionNotifyUser:
		msg = &NotifyUserJob{}
	case ActionTracking:
		msg = &TrackingJob{}
	default:
		return nil, &DecodeError{Action: head.Action, Field: "action", Reason: "unknown action"}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return nil, &DecodeError{Action: head.Action, Err: err}
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode validates msg and serializes it.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// require checks name/value pairs and reports the first empty value.
func require(action Action, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return &DecodeError{Action: action, Field: pairs[i], Reason: "required"}
		}
	}
	return nil
}
