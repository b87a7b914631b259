package fieldsync

import (
	"fmt"
	"strings"
)

type Strategy string

const (
	StrategyAcceptLocal  Strategy = "accept_local"
	StrategyAcceptRemote Strategy = "accept_remote"
	StrategyMerge        Strategy = "merge"
)

func (s Strategy) String() string {
	return string(s)
}

func (s Strategy) Valid() bool {
	switch s {
	case StrategyAcceptLocal, StrategyAcceptRemote, StrategyMerge:
		return true
	}
	return false
}

func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown resolution strategy %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// statusRank orders statuses by how definitive they are. A recorded
// determination (failed or completed) outranks not_applicable, which
// outranks pending. Equal ranks keep the local side.
var statusRank = map[ItemStatus]int{
	StatusPending:       0,
	StatusNotApplicable: 1,
	StatusCompleted:     2,
	StatusFailed:        2,
}

// Resolution is the planned outcome of applying a strategy to a
// conflict. Submit reports whether a force write must be issued;
// accept_remote only rebases local state and writes nothing.
type Resolution struct {
	Strategy Strategy
	Submit   bool
	Desired  DesiredState
}

func PlanResolution(payload ConflictPayload, strategy Strategy) (Resolution, error) {
	if !strategy.Valid() {
		return Resolution{}, fmt.Errorf("%w: unknown resolution strategy %q", ErrInvalidInput, strategy)
	}
	switch strategy {
	case StrategyAcceptLocal:
		return Resolution{
			Strategy: strategy,
			Submit:   true,
			Desired:  DesiredState{Status: payload.Local.Status, Notes: payload.Local.Notes},
		}, nil
	case StrategyAcceptRemote:
		return Resolution{
			Strategy: strategy,
			Desired:  DesiredState{Status: payload.Remote.Status, Notes: payload.Remote.Notes},
		}, nil
	default:
		return Resolution{
			Strategy: strategy,
			Submit:   true,
			Desired:  MergeDesired(payload),
		}, nil
	}
}

// MergeDesired combines both sides of a conflict: the more definitive
// status wins, and the notes of both sides are kept with attribution.
func MergeDesired(payload ConflictPayload) DesiredState {
	status := payload.Local.Status
	if statusRank[payload.Remote.Status] > statusRank[payload.Local.Status] {
		status = payload.Remote.Status
	}
	return DesiredState{
		Status: status,
		Notes:  mergeNotes(payload.Local.Notes, payload.Remote.Notes, payload.Remote.ModifiedBy),
	}
}

func mergeNotes(local, remote, remoteActor string) string {
	local = strings.TrimSpace(local)
	remote = strings.TrimSpace(remote)
	switch {
	case local == "" && remote == "":
		return ""
	case remote == "" || local == remote:
		return local
	case local == "":
		return remote
	}
	attribution := strings.TrimSpace(remoteActor)
	if attribution == "" {
		attribution = "remote"
	}
	return "[local] " + local + "\n[" + attribution + "] " + remote
}
