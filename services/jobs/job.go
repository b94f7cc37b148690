// services/jobs/job.go
package jobs

import (
	"strconv"

	"rtucode-go/types"
)

// Kind names a job handler.
type Kind string

const (
	KindGetTime        Kind = "get_time"
	KindCheckUpdate    Kind = "check_update"
	KindCheckSMS       Kind = "check_sms"
	KindPostData       Kind = "post_data"
	KindSendDataSMS    Kind = "send_data_sms"
	KindSendLocRequest Kind = "send_loc_request"
	KindSendAlarmSMS   Kind = "send_alarm_sms"
	KindSendGPSSMS     Kind = "send_gps_sms"
)

// Job is one queued modem operation. Two jobs with the same Key are the same
// job for queueing purposes.
type Job interface {
	Kind() Kind
	Key() string
}

type GetTime struct{}

func (GetTime) Kind() Kind    { return KindGetTime }
func (j GetTime) Key() string { return string(j.Kind()) }

type CheckUpdate struct{}

func (CheckUpdate) Kind() Kind    { return KindCheckUpdate }
func (j CheckUpdate) Key() string { return string(j.Kind()) }

type CheckSMS struct{}

func (CheckSMS) Kind() Kind    { return KindCheckSMS }
func (j CheckSMS) Key() string { return string(j.Kind()) }

type PostData struct{}

func (PostData) Kind() Kind    { return KindPostData }
func (j PostData) Key() string { return string(j.Kind()) }

// SendDataSMS sends the data SMS to To, or to every configured phone when To
// is empty.
type SendDataSMS struct {
	To string
}

func (SendDataSMS) Kind() Kind    { return KindSendDataSMS }
func (j SendDataSMS) Key() string { return key(j.Kind(), strconv.Quote(j.To)) }

type SendLocRequest struct{}

func (SendLocRequest) Kind() Kind    { return KindSendLocRequest }
func (j SendLocRequest) Key() string { return string(j.Kind()) }

// SendAlarmSMS reports a threshold breach; High is false for a low breach.
type SendAlarmSMS struct {
	Sensor types.SensorID
	High   bool
}

func (SendAlarmSMS) Kind() Kind { return KindSendAlarmSMS }
func (j SendAlarmSMS) Key() string {
	return key(j.Kind(), strconv.Quote(string(j.Sensor)), strconv.FormatBool(j.High))
}

// SendGPSSMS sends the last known location to To, or to the configured
// phones when To is empty.
type SendGPSSMS struct {
	To string
}

func (SendGPSSMS) Kind() Kind    { return KindSendGPSSMS }
func (j SendGPSSMS) Key() string { return key(j.Kind(), strconv.Quote(j.To)) }

func key(k Kind, args ...string) string {
	s := string(k) + "("
	for i, a := range args {
		if i > 0 {
			s += ","
		}
		s += a
	}
	return s + ")"
}
