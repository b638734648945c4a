package eraseblock

import "fmt"

// State is the enum representing state of the erase block.
type State uint8

// Erase block states.
const (
	Free State = iota
	Clean
	Dirty
	Erasable
	ErasePending
	Erasing
	EraseComplete
	Bad
	BadUsed

	nStates
)

var stateNames = [nStates]string{
	Free:          "free",
	Clean:         "clean",
	Dirty:         "dirty",
	Erasable:      "erasable",
	ErasePending:  "erase-pending",
	Erasing:       "erasing",
	EraseComplete: "erase-complete",
	Bad:           "bad",
	BadUsed:       "bad-used",
}

func (s State) String() string {
	if s < nStates {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", s)
}

// States returns all the valid states.
func States() []State {
	states := make([]State, 0, nStates)
	for s := Free; s < nStates; s++ {
		states = append(states, s)
	}
	return states
}

var nextStates = [nStates]State{
	Free:          Clean,
	Clean:         Dirty,
	Dirty:         Erasable,
	Erasable:      ErasePending,
	ErasePending:  Erasing,
	Erasing:       EraseComplete,
	EraseComplete: Free,
	Bad:           BadUsed,
	BadUsed:       nStates,
}

// CanTransition reports if block may move from one state to another.
func CanTransition(from, to State) bool {
	if from >= nStates || to >= nStates {
		return false
	}
	if to == Bad {
		return from != Bad
	}
	return nextStates[from] == to
}

// erasing reports if state belongs to the erase pipeline.
func (s State) erasing() bool {
	return s == ErasePending || s == Erasing || s == EraseComplete
}

func (s State) bad() bool {
	return s == Bad || s == BadUsed
}
