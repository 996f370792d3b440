package arbiter

import (
	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/registry"
)

// SelectContext returns the authorization context the beamline should run under: the
// operator's proposal in shared-proposal modes, or the operator's stored selection in user
// mode. ok is false when there is no operator or nothing to select.
func SelectContext(reg *registry.Registry, mode domain.LoginMode) (string, bool) {
	op, ok := reg.Operator()
	if !ok {
		return "", false
	}
	if !mode.PerUser() {
		return op.Prefix(), op.Prefix() != ""
	}
	if op.SelectedProposal == "" {
		return "", false
	}
	return op.SelectedProposal, true
}
