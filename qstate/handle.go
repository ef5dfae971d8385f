// Package qstate owns the canonical table of quantum-state handles.
//
// A handle is the exclusive capability to use one quantum state: it has a
// single owner, it cannot be duplicated (no-cloning), and its identity is
// never reused. The Registry is the sole authority for creation, transfer,
// and release; every other component holds only handle ids, never copies of
// handle state.
package qstate

import (
	"time"

	"github.com/google/uuid"
)

// HandleID is an opaque, globally unique handle identity. Ids are never
// reused, including across transfer (teleport) which mints a fresh identity.
type HandleID string

// NewHandleID mints a fresh handle identity.
func NewHandleID() HandleID {
	return HandleID("qh-" + uuid.NewString())
}

// CoherenceStatus is the lifecycle position of a handle's coherence.
type CoherenceStatus string

const (
	StatusCoherent   CoherenceStatus = "coherent"
	StatusDecohering CoherenceStatus = "decohering"
	StatusDecoherent CoherenceStatus = "decoherent"
)

// MeasurementStatus records whether the state has collapsed.
type MeasurementStatus string

const (
	Unmeasured MeasurementStatus = "unmeasured"
	Measured   MeasurementStatus = "measured"
)

// Purity classifies the state. A handle starts pure; entangling it with
// others makes its reduced state mixed, and breaking the system does not
// restore purity.
type Purity string

const (
	PurityPure  Purity = "pure"
	PurityMixed Purity = "mixed"
)

// Handle is a read-only snapshot of one handle's bookkeeping state, returned
// to callers. Mutation happens only inside the Registry.
type Handle struct {
	ID          HandleID          `json:"id"`
	Dimension   int               `json:"dimension"`
	Coherence   float64           `json:"coherence"`
	Status      CoherenceStatus   `json:"status"`
	Measurement MeasurementStatus `json:"measurement"`
	Purity      Purity            `json:"purity"`
	Entangled   bool              `json:"entangled"`
	Owner       string            `json:"owner"`
	CreatedAt   time.Time         `json:"created_at"`
}

// record is the registry-private mutable state behind a handle.
type record struct {
	id          HandleID
	dimension   int
	amplitudes  []complex128 // optional; weights measurement outcomes when present
	coherence   float64
	status      CoherenceStatus
	measurement MeasurementStatus
	purity      Purity
	entangled   bool
	owner       string
	createdAt   time.Time
	lastDecayAt time.Time
}

func (rec *record) snapshot() Handle {
	return Handle{
		ID:          rec.id,
		Dimension:   rec.dimension,
		Coherence:   rec.coherence,
		Status:      rec.status,
		Measurement: rec.measurement,
		Purity:      rec.purity,
		Entangled:   rec.entangled,
		Owner:       rec.owner,
		CreatedAt:   rec.createdAt,
	}
}

// Transition describes one lifecycle change applied by a decay pass.
type Transition struct {
	ID        HandleID
	From      CoherenceStatus
	To        CoherenceStatus
	Coherence float64
	Released  bool // true when the transition to Decoherent removed the handle
}
