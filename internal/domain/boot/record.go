package boot

import "time"

// Phase is the last known step of an update.
type Phase string

const (
	// PhaseInstalled means the payload is written and the candidate awaits a test boot.
	PhaseInstalled Phase = "installed"
	// PhaseCommitted means the candidate slot became the stable slot.
	PhaseCommitted Phase = "committed"
	// PhaseFailed means the update stopped before the candidate was made bootable.
	PhaseFailed Phase = "failed"
	// PhaseRolledBack means commit was refused and the bootloader will revert.
	PhaseRolledBack Phase = "rolled-back"
)

// UpdateRecord describes the most recent update attempt.
type UpdateRecord struct {
	// ArtifactName is the name from the artifact header.
	ArtifactName string `yaml:"artifact_name"`
	// Slot is the name of the slot the payload was written to.
	Slot string `yaml:"slot"`
	// Phase is the last step reached.
	Phase Phase `yaml:"phase"`
	// Reason explains a failed or rolled-back update.
	Reason string `yaml:"reason,omitempty"`
	// Timestamp is when the phase was recorded.
	Timestamp time.Time `yaml:"timestamp"`
}

// Clone returns a copy of the record.
func (r *UpdateRecord) Clone() *UpdateRecord {
	if r == nil {
		return nil
	}

	cloned := *r

	return &cloned
}
