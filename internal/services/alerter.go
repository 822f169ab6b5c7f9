package services

// Alerter is the operator notification sink. *alerts.Discord satisfies it.
type Alerter interface {
	ExtractionFailed(filename string, err error)
	LowDiskSpace(avail, floor uint64)
	SweepFailed(failed int, err error)
}

type nopAlerter struct{}

func (nopAlerter) ExtractionFailed(string, error) {}
func (nopAlerter) LowDiskSpace(uint64, uint64)    {}
func (nopAlerter) SweepFailed(int, error)         {}
