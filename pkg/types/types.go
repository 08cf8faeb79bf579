package types

// JobStatus is the terminal status of a job run
type JobStatus string

const (
	StatusSuccess JobStatus = "SUCCESS"
	StatusFailed  JobStatus = "FAILED"
	StatusTimeout JobStatus = "TIMEOUT"
)

func (s JobStatus) Ptr() *JobStatus {
	return &s
}

// TriggerSource tells a job script why it was started
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
)
