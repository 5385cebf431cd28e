package pdp

import "github.com/dislovelhl/acgs2/pkg/faults"

var (
	errPolicyNotFound   = faults.ErrPolicyNotFound
	errOPAConnection    = faults.ErrOPAConnection
	errPolicyEvaluation = faults.New(faults.KindInfrastructure, "policy evaluation failed", nil)
	errNilInput         = faults.New(faults.KindValidation, "nil decision input", nil)
)
