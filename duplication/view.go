package duplication

import "github.com/INLOpen/nexusdup/core"

// View is an immutable snapshot of a duplicator's progress. The setters
// return a modified copy and never mutate the receiver.
//
// ConfirmedDecree <= LastDecree holds for every View built through the
// setters.
type View struct {
	Status core.DuplicationStatus
	// ConfirmedDecree is the highest decree acknowledged by the remote cluster.
	ConfirmedDecree core.Decree
	// LastDecree is the highest decree handed to the sink.
	LastDecree core.Decree
	// Failure holds the error that stopped the duplicator, if any.
	Failure error
}

// SetLastDecree raises LastDecree to d.
func (v View) SetLastDecree(d core.Decree) View {
	if d > v.LastDecree {
		v.LastDecree = d
	}
	return v
}

// SetConfirmedDecree raises ConfirmedDecree to d, raising LastDecree along
// with it when needed.
func (v View) SetConfirmedDecree(d core.Decree) View {
	if d > v.ConfirmedDecree {
		v.ConfirmedDecree = d
	}
	if v.ConfirmedDecree > v.LastDecree {
		v.LastDecree = v.ConfirmedDecree
	}
	return v
}

// SetStatus returns a copy with the given status.
func (v View) SetStatus(s core.DuplicationStatus) View {
	v.Status = s
	return v
}

// SetFailure returns a copy carrying err.
func (v View) SetFailure(err error) View {
	v.Failure = err
	return v
}
